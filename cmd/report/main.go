// レポートサービスのエントリポイント。
// 登録イベントを購読して日次の集計を作り、参照APIを提供する。
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/nao1215/carebridge/internal/report"
	"github.com/nao1215/carebridge/pkg/config"
	"github.com/nao1215/carebridge/pkg/logger"
)

func main() {
	cfg, err := config.Load("report", "8083")
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}
	lg := logger.New(cfg.Service, cfg.LogLevel)

	server, err := report.NewServer(cfg, lg)
	if err != nil {
		lg.WithError(err).Fatal("レポートサーバーの初期化に失敗しました")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	server.Start(ctx)

	go func() {
		lg.WithField("port", cfg.Port).Info("レポートサービスを起動します")
		if err := server.Run(); err != nil {
			lg.WithError(err).Error("レポートサービスが停止しました")
			stop()
		}
	}()

	<-ctx.Done()
	if err := server.Close(); err != nil {
		lg.WithError(err).Error("レポートサービスの停止処理に失敗しました")
	}
}
