// Package report はレポートサービスの内部実装を提供する。
//
// 患者登録イベントを購読して登録件数と登録料の日次集計を更新し、
// 集計と処理できなかったイベントの一覧をHTTPで公開する。
package report
