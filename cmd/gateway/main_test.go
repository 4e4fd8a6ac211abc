package main

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/bellhop/internal/db"
	"github.com/lalithlochan/bellhop/internal/push"
)

type countingSender struct {
	platform string
	calls    int
}

func (s *countingSender) Send(context.Context, *db.PushSubscription, push.Message) error {
	s.calls++
	return nil
}

func (s *countingSender) SupportsPlatform(p string) bool { return p == s.platform }

func TestPushChain(t *testing.T) {
	sub := &db.PushSubscription{ID: uuid.New(), Platform: db.PlatformWeb, Endpoint: "https://push.example"}
	msg := push.NewMessage(&db.Notification{ID: uuid.New(), Title: "New order"})

	t.Run("development logs every platform", func(t *testing.T) {
		web := &countingSender{platform: db.PlatformWeb}
		chain := pushChain(zap.NewNop(), true, web)

		if _, ok := chain[0].(*push.LogSender); !ok {
			t.Fatalf("expected the log sender first, got %T", chain[0])
		}
		if err := push.NewMultiSender(zap.NewNop(), chain...).Send(context.Background(), sub, msg); err != nil {
			t.Fatal(err)
		}
		if web.calls != 0 {
			t.Error("development pushes should not reach the web sender")
		}
	})

	t.Run("production delivers", func(t *testing.T) {
		web := &countingSender{platform: db.PlatformWeb}
		chain := pushChain(zap.NewNop(), false, web)

		if len(chain) != 1 {
			t.Fatalf("expected only the real sender, got %d", len(chain))
		}
		if err := push.NewMultiSender(zap.NewNop(), chain...).Send(context.Background(), sub, msg); err != nil {
			t.Fatal(err)
		}
		if web.calls != 1 {
			t.Errorf("expected one web delivery, got %d", web.calls)
		}
	})
}
