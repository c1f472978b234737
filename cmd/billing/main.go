// 課金サービスのエントリポイント。
// 冪等キー付きの課金と取消をRPCとして提供する。
package main

import (
	"log"

	"github.com/nao1215/carebridge/internal/billing"
	"github.com/nao1215/carebridge/pkg/config"
	"github.com/nao1215/carebridge/pkg/logger"
)

func main() {
	cfg, err := config.Load("billing", "8082")
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}
	lg := logger.New(cfg.Service, cfg.LogLevel)

	server, err := billing.NewServer(cfg, lg)
	if err != nil {
		lg.WithError(err).Fatal("課金サーバーの初期化に失敗しました")
	}
	defer server.Close()

	lg.WithField("port", cfg.Port).Info("課金サービスを起動します")
	if err := server.Run(); err != nil {
		lg.WithError(err).Fatal("課金サービスの起動に失敗しました")
	}
}
