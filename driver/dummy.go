package driver

import "context"

// Dummy reads as a constant byte and discards writes.
type Dummy struct {
	Value byte
}

// NewDummy returns a driver whose every byte reads as value.
func NewDummy(value byte) *Dummy {
	return &Dummy{Value: value}
}

func (d *Dummy) ReadAt(ctx context.Context, p []byte, _ int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for i := range p {
		p[i] = d.Value
	}
	return len(p), nil
}

func (d *Dummy) WriteAt(ctx context.Context, p []byte, _ int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (d *Dummy) Sync(context.Context, int64, int64) error { return nil }

func (d *Dummy) Close() error { return nil }
