package layout

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ConvertResult summarizes a layout conversion pass.
type ConvertResult struct {
	// Scanned counts messages read from the source.
	Scanned int
	// Inserted counts messages newly written to the destination.
	Inserted int
	// Collapsed counts source messages that were already present in the
	// destination (duplicates collapse by design).
	Collapsed int
	// DistinctDigests is the number of distinct content addresses
	// observed in the source.
	DistinctDigests int
}

// Convert re-materializes every message from src into dst via
// InsertIfAbsent, then verifies no content was lost: every distinct
// digest observed in the source must be present in the destination. The
// caller only swaps dst in for src after Convert returns nil, so a failed
// conversion leaves the original archive untouched.
func Convert(ctx context.Context, src, dst Layout, logger *zap.Logger) (ConvertResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var res ConvertResult
	seen := make(map[Address]struct{})

	err := src.Enumerate(ctx, func(s Stored) error {
		res.Scanned++
		seen[s.Digest] = struct{}{}

		_, inserted, err := dst.InsertIfAbsent(ctx, s.Message)
		if err != nil {
			return fmt.Errorf("inserting %s: %w", s.Digest.Short(12), err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Collapsed++
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("converting layout: %w", err)
	}
	res.DistinctDigests = len(seen)

	// "No unexpected loss": the destination must contain every digest the
	// source produced. Exact count equality is not expected when the
	// source held byte-identical duplicates.
	for d := range seen {
		ok, err := dst.ContainsDigest(ctx, d)
		if err != nil {
			return res, fmt.Errorf("verifying digest %s: %w", d.Short(12), err)
		}
		if !ok {
			return res, fmt.Errorf("conversion lost content %s", d.Short(12))
		}
	}

	count, err := dst.Count(ctx)
	if err != nil {
		return res, fmt.Errorf("counting destination: %w", err)
	}
	if count < res.DistinctDigests {
		return res, fmt.Errorf(
			"conversion incomplete: destination holds %d messages, source had %d distinct",
			count, res.DistinctDigests,
		)
	}

	logger.Info("layout conversion complete",
		zap.Int("scanned", res.Scanned),
		zap.Int("inserted", res.Inserted),
		zap.Int("collapsed", res.Collapsed),
		zap.Int("distinct", res.DistinctDigests),
	)
	return res, nil
}
