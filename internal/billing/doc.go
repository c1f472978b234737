// Package billing は課金サービスを実装する。
//
// 課金と取消をMessagePackのRPCとして公開する。
// 冪等キーごとに最初の処理結果を保存し、同じキーの再送には保存済みの結果を返す。
// 冪等レコードと課金行は同一トランザクションで書き込むため、
// リトライや同時リクエストがあっても課金は高々1回しか発生しない。
package billing
