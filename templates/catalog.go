// Package templates is the read-only TemplateCatalog (spec §4.8), grounded
// on video.DefaultTranscodeProfiles's pattern of exposing an immutable,
// package-level registry of profile structs rather than constructing them
// at runtime.
package templates

import (
	"fmt"
	"time"

	"github.com/livepeer/listing-pipeline/domain"
)

const (
	Crescendo       domain.TemplateKey = "crescendo"
	Wave            domain.TemplateKey = "wave"
	Storyteller     domain.TemplateKey = "storyteller"
	GoogleZoomIntro domain.TemplateKey = "googlezoomintro"
	WesAnderson     domain.TemplateKey = "wesanderson"
	Hyperpop        domain.TemplateKey = "hyperpop"
)

const (
	defaultTimeout    = 120 * time.Second
	defaultMaxRetries = 3
)

func seqOfPhotos(n int) []domain.SequenceElement {
	out := make([]domain.SequenceElement, n)
	for i := range out {
		out[i] = domain.PhotoSlot(i)
	}
	return out
}

func secs(vals ...int) []time.Duration {
	out := make([]time.Duration, len(vals))
	for i, v := range vals {
		out[i] = time.Duration(v) * time.Second
	}
	return out
}

// defaultCatalog is the reference set of templates from spec §4.8. Only
// GoogleZoomIntro references the map clip slot.
var defaultCatalog = []domain.TemplateDefinition{
	{
		Key:         Crescendo,
		Sequence:    seqOfPhotos(6),
		Durations:   secs(2, 2, 2, 2, 3, 4),
		AccessLevel: domain.AccessStandard,
		Timeout:     defaultTimeout,
		MaxRetries:  defaultMaxRetries,
	},
	{
		Key:         Wave,
		Sequence:    seqOfPhotos(8),
		Durations:   secs(2, 2, 2, 2, 2, 2, 2, 2),
		AccessLevel: domain.AccessStandard,
		Timeout:     defaultTimeout,
		MaxRetries:  defaultMaxRetries,
	},
	{
		Key:         Storyteller,
		Sequence:    seqOfPhotos(10),
		Durations:   secs(3, 3, 3, 3, 3, 3, 3, 3, 3, 3),
		AccessLevel: domain.AccessPremium,
		Timeout:     2 * defaultTimeout,
		MaxRetries:  defaultMaxRetries,
	},
	{
		Key:         GoogleZoomIntro,
		Sequence:    append([]domain.SequenceElement{domain.MapClipSlot()}, seqOfPhotos(6)...),
		Durations:   secs(3, 2, 2, 2, 2, 3, 4),
		AccessLevel: domain.AccessStandard,
		Timeout:     defaultTimeout,
		MaxRetries:  defaultMaxRetries,
	},
	{
		Key:         WesAnderson,
		Sequence:    seqOfPhotos(6),
		Durations:   secs(3, 3, 3, 3, 3, 3),
		AccessLevel: domain.AccessPremium,
		Timeout:     defaultTimeout,
		MaxRetries:  defaultMaxRetries,
	},
	{
		Key:         Hyperpop,
		Sequence:    seqOfPhotos(12),
		Durations:   secs(1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1),
		AccessLevel: domain.AccessStandard,
		Timeout:     defaultTimeout,
		MaxRetries:  defaultMaxRetries,
	},
}

// Catalog is the process-wide, immutable TemplateCatalog singleton. Built
// once at init from defaultCatalog; spec §9 treats AssetCache/ResourceTracker/
// TemplateCatalog alike as process-lifetime services an implementer owns
// explicitly, so it's exposed as a constructor rather than only a bare var.
type Catalog struct {
	byKey map[domain.TemplateKey]domain.TemplateDefinition
	order []domain.TemplateKey
}

// New validates and indexes defaultCatalog. It panics on a malformed
// built-in template, since that's a programming error caught by tests, not
// a runtime condition.
func New() *Catalog {
	c := &Catalog{byKey: make(map[domain.TemplateKey]domain.TemplateDefinition, len(defaultCatalog))}
	for _, t := range defaultCatalog {
		if err := t.Validate(); err != nil {
			panic(fmt.Sprintf("templates: built-in template %q is invalid: %s", t.Key, err))
		}
		c.byKey[t.Key] = t
		c.order = append(c.order, t.Key)
	}
	return c
}

// Lookup returns the definition for key, or (zero, false) if unknown.
func (c *Catalog) Lookup(key domain.TemplateKey) (domain.TemplateDefinition, bool) {
	t, ok := c.byKey[key]
	return t, ok
}

// All returns every template definition, in catalog declaration order.
func (c *Catalog) All() []domain.TemplateDefinition {
	out := make([]domain.TemplateDefinition, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.byKey[k])
	}
	return out
}
