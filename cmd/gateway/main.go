// API Gatewayサービスのエントリポイント。
// 資格情報の発行と検証、ルートテーブルによる内部サービスへの転送を担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"log"

	"github.com/nao1215/carebridge/internal/gateway"
	"github.com/nao1215/carebridge/pkg/config"
	"github.com/nao1215/carebridge/pkg/logger"
)

func main() {
	cfg, err := config.Load("gateway", "8080")
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}
	lg := logger.New(cfg.Service, cfg.LogLevel)

	server, err := gateway.NewServer(cfg, lg)
	if err != nil {
		lg.WithError(err).Fatal("Gatewayサーバーの初期化に失敗しました")
	}
	defer server.Close()

	lg.WithField("port", cfg.Port).Info("Gatewayサービスを起動します")
	if err := server.Run(); err != nil {
		lg.WithError(err).Fatal("Gatewayサービスの起動に失敗しました")
	}
}
