package crystal

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vthunder/mend/internal/faults"
)

// Operation is a consolidation operation an oracle can propose
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpAbsorb Operation = "ABSORB"
	OpMerge  Operation = "MERGE"
	OpPrune  Operation = "PRUNE"
	OpForget Operation = "FORGET"
	OpNone   Operation = "NONE"
)

// Proposal is one parsed oracle proposal
type Proposal struct {
	Operation  Operation `json:"operation" validate:"required,oneof=CREATE ABSORB MERGE PRUNE FORGET NONE"`
	NodeIDs    []string  `json:"node_ids,omitempty" validate:"omitempty,max=50,dive,required"`
	CrystalID  string    `json:"crystal_id,omitempty"`
	CrystalIDs []string  `json:"crystal_ids,omitempty" validate:"omitempty,max=15,dive,required"`
	Essence    string    `json:"essence,omitempty" validate:"max=500"`
	NewEssence string    `json:"new_essence,omitempty" validate:"max=500"`
	Facets     []string  `json:"facets,omitempty" validate:"omitempty,max=20,dive,required,max=100"`
	Reason     string    `json:"reason,omitempty"`
	Confidence float64   `json:"confidence,omitempty" validate:"gte=0,lte=1"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(validateProposal, Proposal{})
	return v
}

// validateProposal checks the fields each operation requires
func validateProposal(sl validator.StructLevel) {
	p := sl.Current().Interface().(Proposal)
	switch p.Operation {
	case OpCreate:
		if len(p.NodeIDs) == 0 {
			sl.ReportError(p.NodeIDs, "NodeIDs", "node_ids", "required_for_create", "")
		}
		if strings.TrimSpace(p.Essence) == "" {
			sl.ReportError(p.Essence, "Essence", "essence", "required_for_create", "")
		}
	case OpAbsorb:
		if p.CrystalID == "" {
			sl.ReportError(p.CrystalID, "CrystalID", "crystal_id", "required_for_absorb", "")
		}
		if len(p.NodeIDs) == 0 {
			sl.ReportError(p.NodeIDs, "NodeIDs", "node_ids", "required_for_absorb", "")
		}
	case OpMerge:
		if len(p.CrystalIDs) < 2 {
			sl.ReportError(p.CrystalIDs, "CrystalIDs", "crystal_ids", "min_two_for_merge", "")
		}
		if strings.TrimSpace(p.NewEssence) == "" {
			sl.ReportError(p.NewEssence, "NewEssence", "new_essence", "required_for_merge", "")
		}
	case OpPrune, OpForget:
		if len(p.NodeIDs) == 0 {
			sl.ReportError(p.NodeIDs, "NodeIDs", "node_ids", "required", "")
		}
	}
}

// Parse decodes one raw oracle response. The response must be a single JSON
// object, optionally inside a markdown code fence. Unknown fields, trailing
// data and missing required fields are rejected with faults.ErrMalformed.
func Parse(raw string) (Proposal, error) {
	var p Proposal
	body, err := extractObject(raw)
	if err != nil {
		return p, err
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return p, fmt.Errorf("parse proposal: %w: %v", faults.ErrMalformed, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return p, fmt.Errorf("parse proposal: %w: trailing data", faults.ErrMalformed)
	}

	p.Operation = Operation(strings.ToUpper(strings.TrimSpace(string(p.Operation))))
	p.NodeIDs = dedupe(p.NodeIDs)
	p.CrystalIDs = dedupe(p.CrystalIDs)
	p.Facets = dedupe(p.Facets)

	if err := validate.Struct(p); err != nil {
		return p, fmt.Errorf("validate proposal: %w: %s", faults.ErrMalformed, describe(err))
	}
	return p, nil
}

func extractObject(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			lang := strings.TrimSpace(s[:nl])
			if lang != "" && lang != "json" {
				return nil, fmt.Errorf("parse proposal: %w: %q fence", faults.ErrMalformed, lang)
			}
			s = s[nl+1:]
		}
		end := strings.LastIndex(s, "```")
		if end < 0 {
			return nil, fmt.Errorf("parse proposal: %w: unterminated fence", faults.ErrMalformed)
		}
		s = strings.TrimSpace(s[:end])
	}
	if !strings.HasPrefix(s, "{") {
		return nil, fmt.Errorf("parse proposal: %w: not a JSON object", faults.ErrMalformed)
	}
	return []byte(s), nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]bool, len(values))
	out := values[:0:0]
	for _, v := range values {
		v = strings.TrimSpace(v)
		// Empty values are kept for validation to reject
		if v != "" && seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// Digest is a short stable fingerprint of a raw proposal, recorded for
// alternatives that were not selected
func Digest(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])[:12]
}
