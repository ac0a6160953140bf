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
		log.Println("creating nonce_counters and nonce_gaps tables...")
		if err := mghelper.CreateSchema(ctx, db, &dao.NonceCounterDao{}, &dao.NonceGapDao{}); err != nil {
			return err
		}
		return mghelper.CreateModelIndexes(ctx, db, &dao.NonceGapDao{}, "broadcast")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping nonce_counters and nonce_gaps tables...")
		return mghelper.DropTables(ctx, db, &dao.NonceGapDao{}, &dao.NonceCounterDao{})
	})
}
