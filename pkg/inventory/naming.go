package inventory

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// BlockName is the compact 16-byte form of a block name. Its display form is
// the 8-4-4-4-12 grouped lowercase hex string.
type BlockName [16]byte

const (
	blockNameLength    = 36
	blockNameSeparator = "#"
)

// ParseBlockName converts the display form into the compact form.
func ParseBlockName(s string) (BlockName, error) {
	if len(s) != blockNameLength {
		return BlockName{}, fmt.Errorf("invalid block name %q: expected %d characters", s, blockNameLength)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return BlockName{}, fmt.Errorf("invalid block name %q: %w", s, err)
	}
	return BlockName(u), nil
}

// MustParseBlockName is ParseBlockName for literals known to be valid.
func MustParseBlockName(s string) BlockName {
	n, err := ParseBlockName(s)
	if err != nil {
		panic(err)
	}
	return n
}

func (n BlockName) String() string {
	return uuid.UUID(n).String()
}

func (n BlockName) IsZero() bool {
	return n == BlockName{}
}

func (n BlockName) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *BlockName) UnmarshalText(data []byte) error {
	parsed, err := ParseBlockName(string(data))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// FullBlockName joins a dataset name and a block name into the composite
// "dataset#block" form.
func FullBlockName(dataset string, block BlockName) string {
	return dataset + blockNameSeparator + block.String()
}

// SplitBlockName is the inverse of FullBlockName. Dataset names may not
// contain the separator, so the last one is used.
func SplitBlockName(full string) (string, BlockName, error) {
	idx := strings.LastIndex(full, blockNameSeparator)
	if idx <= 0 {
		return "", BlockName{}, fmt.Errorf("invalid full block name %q", full)
	}
	name, err := ParseBlockName(full[idx+1:])
	if err != nil {
		return "", BlockName{}, err
	}
	return full[:idx], name, nil
}
