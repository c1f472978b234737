package gateway

import (
	"fmt"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/carebridge/pkg/logger"
)

// RouteLoader は現在のルートテーブルを保持し、ルートファイルの変更を反映する。
// テーブルの差し替えはアトミックに行われ、処理中のリクエストは古いテーブルを使い続ける。
type RouteLoader struct {
	path    string
	current atomic.Pointer[RouteTable]
	log     *logrus.Entry
}

// NewStaticRouteLoader は固定のテーブルを持つRouteLoaderを生成する。
func NewStaticRouteLoader(table *RouteTable, log *logger.Logger) *RouteLoader {
	l := &RouteLoader{log: log.Component("routes")}
	l.current.Store(table)
	return l
}

// NewRouteLoader はルートファイルを読み込んでRouteLoaderを生成する。
func NewRouteLoader(path string, log *logger.Logger) (*RouteLoader, error) {
	table, err := LoadRouteTable(path)
	if err != nil {
		return nil, err
	}
	l := &RouteLoader{path: path, log: log.Component("routes")}
	l.current.Store(table)
	return l, nil
}

// Table は現在のルートテーブルを返す。
func (l *RouteLoader) Table() *RouteTable {
	return l.current.Load()
}

// Store はテーブルを差し替える。
func (l *RouteLoader) Store(table *RouteTable) {
	l.current.Store(table)
}

// Reload はルートファイルを再読み込みする。
// 読み込みに失敗した場合は現在のテーブルを維持してエラーを返す。
func (l *RouteLoader) Reload() error {
	if l.path == "" {
		return nil
	}
	table, err := LoadRouteTable(l.path)
	if err != nil {
		return err
	}
	l.current.Store(table)
	l.log.WithField("routes", len(table.routes)).Info("ルートテーブルを再読み込みしました")
	return nil
}

// Watch はルートファイルの変更を監視するゴルーチンを開始する。
// 返された関数を呼ぶと監視を停止する。
func (l *RouteLoader) Watch() (stop func(), err error) {
	if l.path == "" {
		return func() {}, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ルートファイルの監視に失敗: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("ルートファイル %s の監視登録に失敗: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if err := l.Reload(); err != nil {
						l.log.WithError(err).Warn("ルートファイルが不正なため現在のテーブルを維持します")
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.log.WithError(err).Warn("ルートファイルの監視でエラーが発生しました")
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}
