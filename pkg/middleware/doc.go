// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// 資格情報の検証、期限の伝播、リクエストログ、パニックリカバリ、
// CORS設定など、全サービスで共通して使用するミドルウェアを含む。
package middleware
