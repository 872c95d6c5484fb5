// Package mocks provides scripted backend and store fakes for tests.
package mocks

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/BaSui01/researchflow/backend"
	"github.com/BaSui01/researchflow/types"
)

// CoverageJSON is a canned coverage payload a scripted LM can return.
const CoverageJSON = `{
  "insurance_type": "health",
  "available_policy_types": ["individual", "family floater"],
  "network_hospitals": ["City General", "St. Mary's"],
  "claim_process": ["notify insurer", "submit documents", "await approval"],
  "claim_rejection_reasons": ["pre-existing condition", "late filing"],
  "exclusions": ["cosmetic surgery", "self-inflicted injury"],
  "comparison_points": ["premium", "coverage limit"],
  "limits": {"room_rent": "2% of sum insured"},
  "confidence": 0.8
}`

// LanguageModel is a scripted backend.LanguageModel.
// CompleteFn drives behavior; the zero value returns CoverageJSON.
type LanguageModel struct {
	CompleteFn func(ctx context.Context, req *backend.CompletionRequest) (*backend.CompletionResponse, error)

	calls atomic.Int32
}

func (m *LanguageModel) Name() string { return backend.BackendLLM }

func (m *LanguageModel) Complete(ctx context.Context, req *backend.CompletionRequest) (*backend.CompletionResponse, error) {
	m.calls.Add(1)
	if m.CompleteFn != nil {
		return m.CompleteFn(ctx, req)
	}
	return &backend.CompletionResponse{Content: CoverageJSON, Model: "scripted"}, nil
}

// Calls reports how many times Complete was invoked.
func (m *LanguageModel) Calls() int { return int(m.calls.Load()) }

// FailingLM returns an LM that always fails with a retryable backend error.
func FailingLM() *LanguageModel {
	return &LanguageModel{
		CompleteFn: func(ctx context.Context, req *backend.CompletionRequest) (*backend.CompletionResponse, error) {
			return nil, types.NewBackendError(backend.BackendLLM, "scripted upstream failure")
		},
	}
}

// FlakyLM fails the first failures calls, then answers with content.
func FlakyLM(failures int, content string) *LanguageModel {
	var seen atomic.Int32
	return &LanguageModel{
		CompleteFn: func(ctx context.Context, req *backend.CompletionRequest) (*backend.CompletionResponse, error) {
			if int(seen.Add(1)) <= failures {
				return nil, types.NewBackendError(backend.BackendLLM, "scripted transient failure")
			}
			return &backend.CompletionResponse{Content: content, Model: "scripted"}, nil
		},
	}
}

// Fetcher is a scripted backend.DocumentFetcher.
// FetchFn drives behavior; the zero value returns a stub document.
type Fetcher struct {
	FetchFn func(ctx context.Context, locator string) (*backend.Document, error)

	calls atomic.Int32
}

func (m *Fetcher) Name() string { return backend.BackendFetcher }

func (m *Fetcher) Fetch(ctx context.Context, locator string) (*backend.Document, error) {
	m.calls.Add(1)
	if m.FetchFn != nil {
		return m.FetchFn(ctx, locator)
	}
	return &backend.Document{
		Origin:    "example.com",
		Locator:   locator,
		Content:   fmt.Sprintf("stub content for %s", locator),
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (m *Fetcher) FetchAll(ctx context.Context, locators []string) ([]*backend.Document, error) {
	docs := make([]*backend.Document, 0, len(locators))
	for _, locator := range locators {
		doc, err := m.Fetch(ctx, locator)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Calls reports how many times Fetch was invoked.
func (m *Fetcher) Calls() int { return int(m.calls.Load()) }

// FailingFetcher returns a fetcher that always fails with a retryable error.
func FailingFetcher() *Fetcher {
	return &Fetcher{
		FetchFn: func(ctx context.Context, locator string) (*backend.Document, error) {
			return nil, types.NewBackendError(backend.BackendFetcher, "scripted fetch failure")
		},
	}
}
