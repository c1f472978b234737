// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 資格情報の発行、ルートテーブルによる転送先の選択、資格情報の検証、
// 内部サービスへの転送を担当する。外部からアクセス可能な唯一のサービスであり、
// 認証が必要なルートでは検証に失敗したリクエストを内部サービスに到達させない。
package gateway
