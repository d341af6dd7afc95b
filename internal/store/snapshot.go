package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/roach88/offermatch/internal/ir"
)

// SaveSnapshot replaces the stored offers and records the run, in one
// transaction. Either all of it is visible afterwards or none of it.
func (s *Store) SaveSnapshot(ctx context.Context, offers []ir.Offer, run ir.RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save snapshot: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM offers`); err != nil {
		return fmt.Errorf("save snapshot: clear offers: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO offers (offer_id, product_id, source, price, title, seq)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("save snapshot: prepare: %w", err)
	}
	defer stmt.Close()

	for _, o := range offers {
		if _, err := stmt.ExecContext(ctx,
			o.ID,
			o.ProductID,
			string(o.Source),
			o.Price.String(),
			o.Title,
			o.Seq,
		); err != nil {
			return fmt.Errorf("save snapshot: offer %s: %w", o.ID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs
		(run_id, instance, previous, mode, policy, applied, rejected, violations,
		 products, offers, digest, engine_version, state_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.RunID,
		run.Instance,
		run.Previous,
		string(run.Mode),
		string(run.Policy),
		run.Applied,
		run.Rejected,
		run.Violations,
		run.Products,
		run.Offers,
		run.Digest,
		run.EngineVersion,
		run.StateVersion,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save snapshot: commit: %w", err)
	}
	return nil
}

// LoadOffers returns every stored offer.
// Ordering: ORDER BY seq ASC, offer_id COLLATE BINARY ASC.
//
// Returns an empty slice (not nil) when no offers are stored.
func (s *Store) LoadOffers(ctx context.Context) ([]ir.Offer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT offer_id, product_id, source, price, title, seq
		FROM offers
		ORDER BY seq ASC, offer_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query offers: %w", err)
	}
	defer rows.Close()

	offers := []ir.Offer{}
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offers: %w", err)
	}
	return offers, nil
}

// ProductOffers returns the offers of one product, by offer id.
func (s *Store) ProductOffers(ctx context.Context, productID string) ([]ir.Offer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT offer_id, product_id, source, price, title, seq
		FROM offers
		WHERE product_id = ?
		ORDER BY offer_id COLLATE BINARY ASC
	`, productID)
	if err != nil {
		return nil, fmt.Errorf("query product %s: %w", productID, err)
	}
	defer rows.Close()

	offers := []ir.Offer{}
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product %s: %w", productID, err)
	}
	return offers, nil
}

// LookupOffer returns a single offer. found is false when it is not stored.
func (s *Store) LookupOffer(ctx context.Context, offerID string) (ir.Offer, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT offer_id, product_id, source, price, title, seq
		FROM offers
		WHERE offer_id = ?
	`, offerID)

	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Offer{}, false, nil
	}
	if err != nil {
		return ir.Offer{}, false, err
	}
	return o, true, nil
}

// ReadRun returns the run that produced this state. found is false for a
// database that has not been written yet.
func (s *Store) ReadRun(ctx context.Context) (ir.RunRecord, bool, error) {
	var run ir.RunRecord
	var mode, policy string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, instance, previous, mode, policy, applied, rejected, violations,
		       products, offers, digest, engine_version, state_version
		FROM runs
		ORDER BY rowid DESC
		LIMIT 1
	`).Scan(
		&run.RunID,
		&run.Instance,
		&run.Previous,
		&mode,
		&policy,
		&run.Applied,
		&run.Rejected,
		&run.Violations,
		&run.Products,
		&run.Offers,
		&run.Digest,
		&run.EngineVersion,
		&run.StateVersion,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.RunRecord{}, false, nil
	}
	if err != nil {
		return ir.RunRecord{}, false, fmt.Errorf("read run: %w", err)
	}
	run.Mode = ir.Mode(mode)
	run.Policy = ir.Policy(policy)
	return run, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOffer(row scanner) (ir.Offer, error) {
	var o ir.Offer
	var source, price string
	if err := row.Scan(&o.ID, &o.ProductID, &source, &price, &o.Title, &o.Seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.Offer{}, err
		}
		return ir.Offer{}, fmt.Errorf("scan offer: %w", err)
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return ir.Offer{}, fmt.Errorf("offer %s: bad price %q: %w", o.ID, price, err)
	}
	o.Source = ir.Source(source)
	o.Price = p
	return o, nil
}
