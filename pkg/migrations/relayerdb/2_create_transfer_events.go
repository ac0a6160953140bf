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
		log.Println("creating transfer_events table...")
		if err := mghelper.CreateSchema(ctx, db, &dao.TransferEventDao{}); err != nil {
			return err
		}
		return mghelper.CreateIndex(ctx, db, "transfer_events", "idx_transfer_events_transfer_id", "transfer_id")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping transfer_events table...")
		return mghelper.DropTables(ctx, db, &dao.TransferEventDao{})
	})
}
