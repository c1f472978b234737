// Package event はサービス間で受け渡すドメインイベントの型とシリアライズを提供する。
package event
