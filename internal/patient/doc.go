// Package patient は患者サービスの内部実装を提供する。
//
// 患者の登録は登録Sagaとして記録され、課金サービスでの登録料の課金に
// 成功した場合のみ確定する。確定した登録はPatientRegisteredイベントとして
// 非同期に発行される。課金サービスが応答しない場合は取消を試みたうえで
// 登録を失敗として記録し、登録済みとして扱うことはない。
package patient
