package failover

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"

	"streamshare/internal/models"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch ptr := d.(type) {
		case *string:
			*ptr = r.values[i].(string)
		case *[]string:
			*ptr = r.values[i].([]string)
		}
	}
	return nil
}

type fakeQuerier struct {
	rows map[string]fakeRow
	args []any
}

func (q *fakeQuerier) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	q.args = args
	key := args[0].(string) + "/" + args[1].(string)
	if row, ok := q.rows[key]; ok {
		return row
	}
	return fakeRow{err: pgx.ErrNoRows}
}

func TestPostgresResolverScansDescriptor(t *testing.T) {
	q := &fakeQuerier{rows: map[string]fakeRow{
		"channel/42": {values: []any{"channel", "42", "", "News", "hls", []string{"ffmpeg", "-i", "udp://x"}, ""}},
	}}
	r := NewPostgresResolver(q, 0)

	desc, err := r.Resolve(context.Background(), models.SourceRef{Type: "channel", ID: "42", Variant: "hd"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if desc.Title != "News" || desc.Variant != "hd" || desc.Binary() != "ffmpeg" {
		t.Fatalf("unexpected descriptor %+v", desc)
	}
	if len(q.args) != 3 || q.args[2] != "hd" {
		t.Fatalf("unexpected query args %v", q.args)
	}
}

func TestPostgresResolverMissingRowIsUnresolvable(t *testing.T) {
	r := NewPostgresResolver(&fakeQuerier{}, 0)
	if _, err := r.Resolve(context.Background(), models.SourceRef{Type: "channel", ID: "1"}); !errors.Is(err, ErrUnresolvable) {
		t.Fatalf("expected ErrUnresolvable, got %v", err)
	}
}

func TestResolverChainFallsThrough(t *testing.T) {
	chain := Chain{NewPostgresResolver(&fakeQuerier{}, 0), NewCatalog(descriptor("5"))}
	desc, err := chain.Resolve(context.Background(), models.SourceRef{Type: "channel", ID: "5"})
	if err != nil || desc.ID != "5" {
		t.Fatalf("expected catalog fallback, got %+v %v", desc, err)
	}
	if _, err := chain.Resolve(context.Background(), models.SourceRef{Type: "channel", ID: "6"}); !errors.Is(err, ErrUnresolvable) {
		t.Fatalf("expected ErrUnresolvable, got %v", err)
	}
}
