package model

import (
	"fmt"

	"github.com/google/uuid"
)

type RecipientMode string

const (
	RecipientModeFilter RecipientMode = "filter"
	RecipientModeManual RecipientMode = "manual"
)

type RecipientFilter string

const (
	RecipientFilterAll           RecipientFilter = "all"
	RecipientFilterPurchased     RecipientFilter = "purchased"
	RecipientFilterEventAttended RecipientFilter = "event_attended"
	RecipientFilterNotPurchased  RecipientFilter = "not_purchased"
)

func (f RecipientFilter) Valid() bool {
	switch f {
	case RecipientFilterAll, RecipientFilterPurchased, RecipientFilterEventAttended, RecipientFilterNotPurchased:
		return true
	}
	return false
}

// RecipientSpec describes who a campaign is sent to. It is either a
// FilterSpec or a ManualSpec; no other implementations exist.
type RecipientSpec interface {
	Mode() RecipientMode
	Validate() error
	isRecipientSpec()
}

// FilterSpec selects customers by set membership.
type FilterSpec struct {
	Filter RecipientFilter
}

func (FilterSpec) Mode() RecipientMode { return RecipientModeFilter }
func (FilterSpec) isRecipientSpec()    {}

func (s FilterSpec) Validate() error {
	if !s.Filter.Valid() {
		return fmt.Errorf("%w: unknown recipient filter %q", ErrInvalidRequest, s.Filter)
	}
	return nil
}

// ManualSpec is an explicit list of customer ids.
type ManualSpec struct {
	CustomerIDs []uuid.UUID
}

func (ManualSpec) Mode() RecipientMode { return RecipientModeManual }
func (ManualSpec) isRecipientSpec()    {}

func (s ManualSpec) Validate() error {
	if len(s.CustomerIDs) == 0 {
		return fmt.Errorf("%w: manual recipient list is empty", ErrInvalidRequest)
	}
	return nil
}

// NewRecipientSpec builds a spec from its flat storage/wire form.
func NewRecipientSpec(mode RecipientMode, filter RecipientFilter, ids []uuid.UUID) (RecipientSpec, error) {
	var spec RecipientSpec
	switch mode {
	case RecipientModeManual:
		spec = ManualSpec{CustomerIDs: ids}
	case RecipientModeFilter, "":
		if filter == "" {
			filter = RecipientFilterAll
		}
		spec = FilterSpec{Filter: filter}
	default:
		return nil, fmt.Errorf("%w: unknown recipient mode %q", ErrInvalidRequest, mode)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

type RecipientPreview struct {
	Filter           RecipientFilter `json:"filter"`
	TotalCount       int             `json:"total_count"`
	SampleRecipients []*Customer     `json:"sample_recipients"`
}
