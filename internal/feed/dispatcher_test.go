package feed

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unitrack/internal/domain"
)

type memSource struct {
	entries []domain.LedgerEntry
}

func (m *memSource) After(_ context.Context, cursor int64, limit int) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for _, e := range m.entries {
		if e.Seq > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memSource) LatestSeq(context.Context) (int64, error) {
	if len(m.entries) == 0 {
		return 0, nil
	}
	return m.entries[len(m.entries)-1].Seq, nil
}

func (m *memSource) add(seq int64) {
	m.entries = append(m.entries, domain.LedgerEntry{Seq: seq, EventID: "e", ActionIntent: domain.ActionIntent{UnitID: "UN001"}})
}

type recorder struct {
	seqs   []int64
	failAt int64
}

func (r *recorder) Publish(_ context.Context, e domain.LedgerEntry) error {
	if r.failAt != 0 && e.Seq == r.failAt {
		return errors.New("broker down")
	}
	r.seqs = append(r.seqs, e.Seq)
	return nil
}

func TestDispatcherStartsAtTail(t *testing.T) {
	src := &memSource{}
	src.add(1)
	src.add(2)
	rec := &recorder{}
	d := &Dispatcher{Source: src, Publisher: rec}

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	src.add(3)
	n, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{3}, rec.seqs)
}

func TestDispatcherFromStartInBatches(t *testing.T) {
	src := &memSource{}
	for i := int64(1); i <= 5; i++ {
		src.add(i)
	}
	rec := &recorder{}
	d := &Dispatcher{Source: src, Publisher: rec, FromStart: true, Batch: 2}

	for i := 0; i < 3; i++ {
		_, err := d.DispatchOnce(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, rec.seqs)
	assert.Equal(t, int64(5), d.Cursor())
}

func TestDispatcherHoldsCursorOnFailure(t *testing.T) {
	src := &memSource{}
	for i := int64(1); i <= 3; i++ {
		src.add(i)
	}
	rec := &recorder{failAt: 2}
	d := &Dispatcher{Source: src, Publisher: rec, FromStart: true}

	n, err := d.DispatchOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), d.Cursor())

	rec.failAt = 0
	_, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, rec.seqs)
}

func TestMQTTTopic(t *testing.T) {
	p := newMQTTPublisher(nil, MQTTOptions{TopicPrefix: "fleet/"})
	assert.Equal(t, "fleet/units/UN001/events", p.Topic("UN001"))
	p = newMQTTPublisher(nil, MQTTOptions{})
	assert.Equal(t, "unitrack/units/UN001/events", p.Topic("UN001"))
}
