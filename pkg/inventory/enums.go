package inventory

import (
	"fmt"
	"strings"
)

type enumTable[E ~int] struct {
	names  []string
	values map[string]E
}

func newEnumTable[E ~int](names ...string) enumTable[E] {
	t := enumTable[E]{names: names, values: make(map[string]E, len(names))}
	for i, name := range names {
		t.values[name] = E(i)
	}
	return t
}

func (t enumTable[E]) name(v E) string {
	if int(v) < 0 || int(v) >= len(t.names) {
		return fmt.Sprintf("%d", int(v))
	}
	return t.names[v]
}

func (t enumTable[E]) parse(kind, s string) (E, error) {
	if v, ok := t.values[strings.ToLower(strings.TrimSpace(s))]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("unknown %s %q", kind, s)
}

// DatasetStatus is the lifecycle state reported by the data catalog.
type DatasetStatus int

const (
	DatasetUnknown DatasetStatus = iota
	DatasetDeleted
	DatasetDeprecated
	DatasetInvalid
	DatasetProduction
	DatasetValid
	DatasetIgnored
)

var datasetStatuses = newEnumTable[DatasetStatus](
	"unknown", "deleted", "deprecated", "invalid", "production", "valid", "ignored")

func (s DatasetStatus) String() string { return datasetStatuses.name(s) }

// ParseDatasetStatus looks a status name up case-insensitively.
func ParseDatasetStatus(s string) (DatasetStatus, error) {
	return datasetStatuses.parse("dataset status", s)
}

func (s DatasetStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *DatasetStatus) UnmarshalText(b []byte) (err error) {
	*s, err = ParseDatasetStatus(string(b))
	return err
}

type DataType int

const (
	DataTypeUnknown DataType = iota
	DataTypeAlign
	DataTypeCalib
	DataTypeCosmic
	DataTypeData
	DataTypeLumi
	DataTypeMC
	DataTypeRaw
	DataTypeTest
)

var dataTypes = newEnumTable[DataType](
	"unknown", "align", "calib", "cosmic", "data", "lumi", "mc", "raw", "test")

func (t DataType) String() string { return dataTypes.name(t) }

func ParseDataType(s string) (DataType, error) { return dataTypes.parse("data type", s) }

func (t DataType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *DataType) UnmarshalText(b []byte) (err error) {
	*t, err = ParseDataType(string(b))
	return err
}

type StorageType int

const (
	StorageUnknown StorageType = iota
	StorageDisk
	StorageMSS
	StorageBuffer
)

var storageTypes = newEnumTable[StorageType]("unknown", "disk", "mss", "buffer")

func (t StorageType) String() string { return storageTypes.name(t) }

func ParseStorageType(s string) (StorageType, error) { return storageTypes.parse("storage type", s) }

func (t StorageType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *StorageType) UnmarshalText(b []byte) (err error) {
	*t, err = ParseStorageType(string(b))
	return err
}

type SiteStatus int

const (
	SiteUnknown SiteStatus = iota
	SiteReady
	SiteWaitroom
	SiteMorgue
)

var siteStatuses = newEnumTable[SiteStatus]("unknown", "ready", "waitroom", "morgue")

func (s SiteStatus) String() string { return siteStatuses.name(s) }

func ParseSiteStatus(s string) (SiteStatus, error) { return siteStatuses.parse("site status", s) }

func (s SiteStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *SiteStatus) UnmarshalText(b []byte) (err error) {
	*s, err = ParseSiteStatus(string(b))
	return err
}

// OwnershipLevel tells whether a group claims whole datasets or single blocks.
type OwnershipLevel int

const (
	OwnDataset OwnershipLevel = iota
	OwnBlock
)

var ownershipLevels = newEnumTable[OwnershipLevel]("dataset", "block")

func (l OwnershipLevel) String() string { return ownershipLevels.name(l) }

func ParseOwnershipLevel(s string) (OwnershipLevel, error) {
	return ownershipLevels.parse("ownership level", s)
}

func (l OwnershipLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *OwnershipLevel) UnmarshalText(b []byte) (err error) {
	*l, err = ParseOwnershipLevel(string(b))
	return err
}
