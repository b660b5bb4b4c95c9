package archive

import (
	"context"
	"errors"

	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/session"
)

// Multi hands each record to every recorder and joins their errors.
type Multi []session.Recorder

func (m Multi) Record(ctx context.Context, rec *domain.GameRecord) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
