package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_open_link_per_pair",
			SQL: `SELECT contract_lo, contract_hi, COUNT(*) FROM conflict_links
                  WHERE status = 'OPEN'
                  GROUP BY contract_lo, contract_hi HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_open_link_endpoints_active",
			SQL: `SELECT cl.id FROM conflict_links cl
                  JOIN contracts lo ON lo.id = cl.contract_lo
                  JOIN contracts hi ON hi.id = cl.contract_hi
                  WHERE cl.status = 'OPEN'
                    AND (lo.status <> 'ACTIVE' OR hi.status <> 'ACTIVE')`,
		},
		{
			Name: "O3_no_self_links",
			SQL: `SELECT cl.id FROM conflict_links cl
                  JOIN contracts lo ON lo.id = cl.contract_lo
                  JOIN contracts hi ON hi.id = cl.contract_hi
                  WHERE lo.lender_id = hi.lender_id`,
		},
		{
			Name: "O4_terminal_date_consistency",
			SQL: `SELECT id, status FROM contracts
            WHERE (status = 'FUNDED' AND funded_date IS NULL)
               OR (status = 'CANCELLED' AND cancelled_date IS NULL)
               OR (status = 'ACTIVE' AND (funded_date IS NOT NULL OR cancelled_date IS NOT NULL))`,
		},
		{
			Name: "O5_resolved_links_stamped",
			SQL: `SELECT id FROM conflict_links
                  WHERE (status = 'RESOLVED' AND resolved_at IS NULL)
                     OR (status = 'OPEN' AND resolved_at IS NOT NULL)`,
		},
		{
			Name: "O6_delivered_events_finalized",
			SQL: `SELECT id FROM notification_events
                  WHERE status = 'DELIVERED'
                    AND (delivered_at IS NULL OR attempts = 0 OR claim_token IS NOT NULL)`,
		},
		{
			Name: "O7_no_stale_claims",
			SQL: `SELECT id FROM notification_events
                  WHERE claim_token IS NOT NULL
                    AND claimed_until < now() - interval '5 minutes'`,
		},
		{
			Name: "O8_new_conflict_event_per_link",
			SQL: `SELECT cl.id FROM conflict_links cl
                  WHERE NOT EXISTS (
                      SELECT 1 FROM notification_events ne
                      WHERE ne.event_type = 'NEW_CONFLICT'
                        AND ne.payload->>'link_id' = cl.id::text)`,
		},
		{
			Name: "O9_failed_events_exhausted",
			SQL: `SELECT id, attempts FROM notification_events
                  WHERE status = 'FAILED'
                    AND attempts = 0`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
