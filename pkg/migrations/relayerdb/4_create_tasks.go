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
		log.Println("creating tasks and transfer_leases tables...")
		if err := mghelper.CreateSchema(ctx, db, &dao.TaskDao{}, &dao.TransferLeaseDao{}); err != nil {
			return err
		}
		// Dequeue scans by queue in run_at order.
		_, err := db.NewCreateIndex().
			Model(&dao.TaskDao{}).
			Index("idx_tasks_queue_run_at").
			Column("queue", "run_at").
			IfNotExists().
			Exec(ctx)
		return err
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping tasks and transfer_leases tables...")
		return mghelper.DropTables(ctx, db, &dao.TaskDao{}, &dao.TransferLeaseDao{})
	})
}
