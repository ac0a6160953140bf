package relayerdb

import (
	"context"
	"log"

	"github.com/uptrace/bun"

	"github.com/chainsafe/transfer-relay/pkg/db/dao"
	mghelper "github.com/chainsafe/transfer-relay/pkg/pgutil/migrations"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating node_health table...")
		return mghelper.CreateSchema(ctx, db, &dao.NodeHealthDao{})
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping node_health table...")
		return mghelper.DropTables(ctx, db, &dao.NodeHealthDao{})
	})
}
