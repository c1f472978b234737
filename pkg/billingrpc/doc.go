// Package billingrpc は課金サービスとの同期呼び出し契約を提供する。
//
// リクエストとレスポンスはMessagePackでエンコードされ、HTTP POSTで運ばれる。
// すべてのリクエストは呼び出し側が生成した冪等キーと期限を持ち、
// クライアントはリトライ時も同じ冪等キーのリクエストをそのまま再送する。
// サーバーは既に処理した冪等キーに対して保存済みの結果を返すため、
// リトライしても課金の副作用は高々1回しか発生しない。
package billingrpc
