// Package credential は短命な署名付き資格情報の発行と検証を提供する。
//
// Issuerはサブジェクトのシークレットを照合して資格情報を発行し、
// Validatorは共有された検証鍵のみを使って資格情報を検証する。
// 検証はネットワーク通信を伴わない純粋な処理であり、
// ゲートウェイがすべてのリクエストで安価に呼び出せる。
//
// 署名アルゴリズムはSigner/Verifierの実装詳細であり、
// HS256（共有シークレット）とEdDSA（Ed25519）を提供する。
package credential
