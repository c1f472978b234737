package eventbus

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/nao1215/carebridge/pkg/config"
	"github.com/nao1215/carebridge/pkg/logger"
)

func TestNewBroker(t *testing.T) {
	t.Parallel()

	t.Run("ブローカー未指定で単一プロセスも許可されていなければエラー", func(t *testing.T) {
		t.Parallel()
		b, err := NewBroker(config.EventConfig{Partitions: 4}, "carebridge-patient", logger.Discard())
		if !errors.Is(err, ErrBrokerNotConfigured) {
			t.Fatalf("NewBroker() error = %v, want %v", err, ErrBrokerNotConfigured)
		}
		if b != nil {
			t.Errorf("NewBroker() = %T, want nil", b)
		}
	})

	t.Run("単一プロセスを許可すると警告付きでインメモリブローカーを使う", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		log := logger.NewWithOutput("patient", "info", &out)

		b, err := NewBroker(config.EventConfig{Partitions: 4, InProcess: true}, "carebridge-patient", log)
		if err != nil {
			t.Fatalf("NewBroker()でエラーが発生: %v", err)
		}
		defer b.Close()

		if _, ok := b.(*MemoryBroker); !ok {
			t.Errorf("NewBroker() = %T, want *MemoryBroker", b)
		}
		if b.Partitions() != 4 {
			t.Errorf("Partitions() = %d, want 4", b.Partitions())
		}
		if !strings.Contains(out.String(), "インメモリブローカー") || !strings.Contains(out.String(), "warning") {
			t.Errorf("警告ログが出力されていない: %q", out.String())
		}
	})
}
