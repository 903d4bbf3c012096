package store

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type contextKey int

const transactionKey contextKey = iota

var errTxDone = errors.New("transaction already finished")

// Tx is the transaction carried by a context. id is the postgres txid and
// stays zero on sqlite; it only labels log lines.
type Tx struct {
	id int64
	db *gorm.DB
}

func txFrom(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(transactionKey).(*Tx)
	return tx, ok && tx != nil
}

// FromContext returns the open transaction of ctx, nil when there is none.
func FromContext(ctx context.Context) *gorm.DB {
	if tx, ok := txFrom(ctx); ok {
		return tx.db
	}
	return nil
}

// Commit commits the transaction of ctx and returns a context without it.
// A context without transaction is returned unchanged.
func Commit(ctx context.Context) (context.Context, error) {
	return finish(ctx, "commit", func(db *gorm.DB) error { return db.Commit().Error })
}

// Rollback is Commit's counterpart.
func Rollback(ctx context.Context) (context.Context, error) {
	return finish(ctx, "rollback", func(db *gorm.DB) error { return db.Rollback().Error })
}

func finish(ctx context.Context, op string, fn func(db *gorm.DB) error) (context.Context, error) {
	tx, ok := txFrom(ctx)
	if !ok {
		return ctx, nil
	}
	ctx = context.WithValue(ctx, transactionKey, (*Tx)(nil))

	if tx.db == nil {
		return ctx, errTxDone
	}
	db := tx.db
	tx.db = nil

	if err := fn(db); err != nil {
		zap.S().Named("store").Errorw("transaction failed to finish", "op", op, "txid", tx.id, "error", err)
		return ctx, err
	}
	zap.S().Named("store").Debugw("transaction finished", "op", op, "txid", tx.id)
	return ctx, nil
}

// newTransactionContext begins a transaction on db unless ctx already
// carries one.
func newTransactionContext(ctx context.Context, db *gorm.DB) (context.Context, error) {
	if _, ok := txFrom(ctx); ok {
		return ctx, nil
	}

	gtx := db.Session(&gorm.Session{Context: ctx}).Begin()
	if gtx.Error != nil {
		return ctx, gtx.Error
	}

	tx := &Tx{db: gtx}
	if isPostgres(db) {
		var row struct{ ID int64 }
		gtx.Raw("select txid_current() as id").Scan(&row)
		tx.id = row.ID
	}
	return context.WithValue(ctx, transactionKey, tx), nil
}

// withinTx runs fn inside the transaction carried by ctx, or inside a new one
// committed when fn returns nil. fn's error is returned as is.
func withinTx(ctx context.Context, db *gorm.DB, fn func(ctx context.Context) error) error {
	if FromContext(ctx) != nil {
		return fn(ctx)
	}

	txCtx, err := newTransactionContext(ctx, db)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_, _ = Rollback(txCtx)
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		if _, rerr := Rollback(txCtx); rerr != nil {
			zap.S().Named("store").Warnw("rollback failed", "error", rerr)
		}
		return err
	}

	_, err = Commit(txCtx)
	return err
}
