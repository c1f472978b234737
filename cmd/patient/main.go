// 患者サービスのエントリポイント。
// 患者の登録を登録料の課金と組み合わせたSagaとして実行し、登録イベントを発行する。
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/nao1215/carebridge/internal/patient"
	"github.com/nao1215/carebridge/pkg/config"
	"github.com/nao1215/carebridge/pkg/logger"
)

func main() {
	cfg, err := config.Load("patient", "8081")
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}
	lg := logger.New(cfg.Service, cfg.LogLevel)

	server, err := patient.NewServer(cfg, lg)
	if err != nil {
		lg.WithError(err).Fatal("患者サーバーの初期化に失敗しました")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		lg.WithField("port", cfg.Port).Info("患者サービスを起動します")
		if err := server.Run(); err != nil {
			lg.WithError(err).Error("患者サービスが停止しました")
			stop()
		}
	}()

	<-ctx.Done()
	// 未送信のイベントを送り切ってから終了する。
	if err := server.Close(); err != nil {
		lg.WithError(err).Error("患者サービスの停止処理に失敗しました")
	}
}
