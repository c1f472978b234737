// Package eventbus はドメインイベントの発行と購読を提供する。
//
// Publisherはコミット済みの業務処理から受け取ったイベントを非同期にブローカーへ送る。
// 同じパーティションキーのイベントは同じレーンで順番に送られ、
// リトライを使い切ったイベントはローカルのSQLiteバッファに保存されて後で再送される。
//
// Consumerはパーティションごとに1つの逐次ループでイベントを処理する。
// 処理済みイベントIDとチェックポイントはハンドラの更新と同じトランザクションで記録されるため、
// 再配送されたイベントが二重に適用されることはない。
// 処理に失敗し続けるイベントはデッドレターに送られ、パーティションの処理は継続する。
package eventbus
