package txid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocateNewTxID(t *testing.T) {
	tm := NewManager()

	first := tm.AllocateNewTxID()
	assert.Equal(t, FirstTxID, first)

	second := tm.AllocateNewTxID()
	assert.True(t, second.IsFollows(first))
	assert.Equal(t, second+1, tm.ReadNextTxID())
}

func TestAdvancePast(t *testing.T) {
	tests := []struct {
		name     string
		txID     TxID
		expected TxID
	}{
		{
			name:     "id below next does not advance",
			txID:     FirstTxID,
			expected: TxID(100),
		},
		{
			name:     "id equal to next advances past it",
			txID:     TxID(100),
			expected: TxID(101),
		},
		{
			name:     "id above next advances past it",
			txID:     TxID(5000),
			expected: TxID(5001),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm := NewManager()
			tm.nextTxID = TxID(100)
			tm.AdvancePast(tt.txID)
			assert.Equal(t, tt.expected, tm.ReadNextTxID())
		})
	}
}

func TestLatest(t *testing.T) {
	tests := []struct {
		name     string
		main     TxID
		subs     []TxID
		expected TxID
	}{
		{
			name:     "no subtransactions",
			main:     TxID(10),
			subs:     nil,
			expected: TxID(10),
		},
		{
			name:     "subtransactions follow the main transaction",
			main:     TxID(10),
			subs:     []TxID{11, 14, 12},
			expected: TxID(14),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Latest(tt.main, tt.subs))
		})
	}
}
