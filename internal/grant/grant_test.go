package grant

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/labelops/label-grant-service/internal/identity"
)

// MockService implements Service for testing
type MockService struct {
	GetUserCalled      bool
	GetUserInput       string
	GetUserResult      *identity.User
	GetUserErr         error
	UpdateLabelsCalled bool
	UpdateLabelsID     string
	UpdateLabelsInput  []string
	UpdateLabelsResult *identity.User
	UpdateLabelsErr    error
}

func (m *MockService) GetUser(ctx context.Context, id string) (*identity.User, error) {
	m.GetUserCalled = true
	m.GetUserInput = id
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	return m.GetUserResult, nil
}

func (m *MockService) UpdateLabels(ctx context.Context, id string, labels []string) (*identity.User, error) {
	m.UpdateLabelsCalled = true
	m.UpdateLabelsID = id
	m.UpdateLabelsInput = labels
	if m.UpdateLabelsErr != nil {
		return nil, m.UpdateLabelsErr
	}
	if m.UpdateLabelsResult != nil {
		return m.UpdateLabelsResult, nil
	}
	return &identity.User{ID: id, Labels: labels}, nil
}

// MockRecorder implements Recorder for testing
type MockRecorder struct {
	RecordGrantCalled bool
	RecordGrantInput  Record
	RecordGrantErr    error
}

func (m *MockRecorder) RecordGrant(ctx context.Context, rec Record) error {
	m.RecordGrantCalled = true
	m.RecordGrantInput = rec
	return m.RecordGrantErr
}

// MockPublisher implements Publisher for testing
type MockPublisher struct {
	PublishCalled bool
	PublishInput  Event
	PublishErr    error
}

func (m *MockPublisher) Publish(ctx context.Context, event Event) error {
	m.PublishCalled = true
	m.PublishInput = event
	return m.PublishErr
}

// MockIDGen implements IDGenerator for testing
type MockIDGen struct {
	GenerateResult string
}

func (m *MockIDGen) Generate() string {
	return m.GenerateResult
}

func TestGrant_AddsAdminLabel(t *testing.T) {
	mockSvc := &MockService{
		GetUserResult: &identity.User{ID: "u1", Labels: []string{"editor"}},
	}
	handler := &Handler{Identity: mockSvc, IDGen: &MockIDGen{GenerateResult: "grant-1"}}

	result, err := handler.Grant(context.Background(), "u1", "req-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if !mockSvc.UpdateLabelsCalled {
		t.Fatal("expected UpdateLabels to be called")
	}
	if mockSvc.UpdateLabelsID != "u1" {
		t.Errorf("expected update for u1, got %s", mockSvc.UpdateLabelsID)
	}
	want := []string{"editor", "admin"}
	if !reflect.DeepEqual(mockSvc.UpdateLabelsInput, want) {
		t.Errorf("expected labels %v, got %v", want, mockSvc.UpdateLabelsInput)
	}
	if result.AlreadyHad {
		t.Error("expected AlreadyHad to be false")
	}
	if result.GrantID != "grant-1" {
		t.Errorf("expected grant ID grant-1, got %s", result.GrantID)
	}
	if !reflect.DeepEqual(result.User.Labels, want) {
		t.Errorf("expected updated user labels %v, got %v", want, result.User.Labels)
	}
}

func TestGrant_Idempotent(t *testing.T) {
	mockSvc := &MockService{
		GetUserResult: &identity.User{ID: "u1", Labels: []string{"admin", "editor", "admin"}},
	}
	handler := &Handler{Identity: mockSvc, IDGen: &MockIDGen{GenerateResult: "grant-1"}}

	result, err := handler.Grant(context.Background(), "u1", "req-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Duplicates collapse, admin appears exactly once
	want := []string{"admin", "editor"}
	if !reflect.DeepEqual(mockSvc.UpdateLabelsInput, want) {
		t.Errorf("expected labels %v, got %v", want, mockSvc.UpdateLabelsInput)
	}
	if !result.AlreadyHad {
		t.Error("expected AlreadyHad to be true")
	}
}

func TestGrant_NoLabels(t *testing.T) {
	mockSvc := &MockService{
		GetUserResult: &identity.User{ID: "u1"},
	}
	handler := &Handler{Identity: mockSvc, IDGen: &MockIDGen{GenerateResult: "grant-1"}}

	_, err := handler.Grant(context.Background(), "u1", "req-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	want := []string{"admin"}
	if !reflect.DeepEqual(mockSvc.UpdateLabelsInput, want) {
		t.Errorf("expected labels %v, got %v", want, mockSvc.UpdateLabelsInput)
	}
}

func TestGrant_GetUserError(t *testing.T) {
	svcErr := &identity.ServiceError{Code: 404, Message: "User does not exist."}
	mockSvc := &MockService{GetUserErr: svcErr}
	handler := &Handler{Identity: mockSvc, IDGen: &MockIDGen{GenerateResult: "grant-1"}}

	_, err := handler.Grant(context.Background(), "missing", "req-1")
	if err == nil {
		t.Fatal("expected an error")
	}
	if mockSvc.UpdateLabelsCalled {
		t.Error("expected UpdateLabels not to be called after fetch failure")
	}

	var got *identity.ServiceError
	if !errors.As(err, &got) {
		t.Fatalf("expected a ServiceError, got %v", err)
	}
	if got.Code != 404 {
		t.Errorf("expected code 404, got %d", got.Code)
	}
}

func TestGrant_UpdateLabelsError(t *testing.T) {
	svcErr := &identity.ServiceError{Code: 403, Message: "Access denied"}
	mockSvc := &MockService{
		GetUserResult:   &identity.User{ID: "u1", Labels: []string{"editor"}},
		UpdateLabelsErr: svcErr,
	}
	handler := &Handler{Identity: mockSvc, IDGen: &MockIDGen{GenerateResult: "grant-1"}}

	_, err := handler.Grant(context.Background(), "u1", "req-1")
	if err == nil {
		t.Fatal("expected an error")
	}

	var got *identity.ServiceError
	if !errors.As(err, &got) {
		t.Fatalf("expected a ServiceError, got %v", err)
	}
	if got.Code != 403 {
		t.Errorf("expected code 403, got %d", got.Code)
	}
}

func TestGrant_AuditRecord(t *testing.T) {
	mockSvc := &MockService{
		GetUserResult: &identity.User{ID: "u1", Labels: []string{"editor"}},
	}
	mockRec := &MockRecorder{}
	handler := &Handler{
		Identity: mockSvc,
		Auditor:  mockRec,
		IDGen:    &MockIDGen{GenerateResult: "grant-7"},
	}

	_, err := handler.Grant(context.Background(), "u1", "req-7")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if !mockRec.RecordGrantCalled {
		t.Fatal("expected audit record to be written")
	}
	rec := mockRec.RecordGrantInput
	if rec.GrantID != "grant-7" || rec.UserID != "u1" || rec.RequestID != "req-7" {
		t.Errorf("unexpected audit record identifiers: %+v", rec)
	}
	if !reflect.DeepEqual(rec.LabelsBefore, []string{"editor"}) {
		t.Errorf("expected labelsBefore [editor], got %v", rec.LabelsBefore)
	}
	if !reflect.DeepEqual(rec.LabelsAfter, []string{"editor", "admin"}) {
		t.Errorf("expected labelsAfter [editor admin], got %v", rec.LabelsAfter)
	}
	if rec.GrantedAt.IsZero() {
		t.Error("expected grantedAt to be set")
	}
}

func TestGrant_AuditFailureDoesNotFailGrant(t *testing.T) {
	mockSvc := &MockService{
		GetUserResult: &identity.User{ID: "u1", Labels: []string{"editor"}},
	}
	mockRec := &MockRecorder{RecordGrantErr: errors.New("table unavailable")}
	handler := &Handler{
		Identity: mockSvc,
		Auditor:  mockRec,
		IDGen:    &MockIDGen{GenerateResult: "grant-1"},
	}

	result, err := handler.Grant(context.Background(), "u1", "req-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result == nil || result.User == nil {
		t.Fatal("expected a result despite audit failure")
	}
}

func TestGrant_EventPublished(t *testing.T) {
	mockSvc := &MockService{
		GetUserResult: &identity.User{ID: "u1", Labels: nil},
	}
	mockPub := &MockPublisher{}
	handler := &Handler{
		Identity: mockSvc,
		Events:   mockPub,
		IDGen:    &MockIDGen{GenerateResult: "grant-9"},
	}

	_, err := handler.Grant(context.Background(), "u1", "req-9")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if !mockPub.PublishCalled {
		t.Fatal("expected event to be published")
	}
	event := mockPub.PublishInput
	if event.EventType != EventTypeLabelGranted {
		t.Errorf("expected event type %s, got %s", EventTypeLabelGranted, event.EventType)
	}
	if event.UserID != "u1" || event.Label != AdminLabel || event.GrantID != "grant-9" {
		t.Errorf("unexpected event payload: %+v", event)
	}
	if event.OccurredAt == "" {
		t.Error("expected occurredAt to be set")
	}
}

func TestGrant_PublishFailureDoesNotFailGrant(t *testing.T) {
	mockSvc := &MockService{
		GetUserResult: &identity.User{ID: "u1"},
	}
	mockPub := &MockPublisher{PublishErr: errors.New("queue unavailable")}
	handler := &Handler{
		Identity: mockSvc,
		Events:   mockPub,
		IDGen:    &MockIDGen{GenerateResult: "grant-1"},
	}

	if _, err := handler.Grant(context.Background(), "u1", "req-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestMergeLabels(t *testing.T) {
	tests := []struct {
		name        string
		labels      []string
		wantMerged  []string
		wantPresent bool
	}{
		{
			name:        "empty set",
			labels:      nil,
			wantMerged:  []string{"admin"},
			wantPresent: false,
		},
		{
			name:        "existing labels preserved",
			labels:      []string{"editor", "beta"},
			wantMerged:  []string{"editor", "beta", "admin"},
			wantPresent: false,
		},
		{
			name:        "already present",
			labels:      []string{"admin"},
			wantMerged:  []string{"admin"},
			wantPresent: true,
		},
		{
			name:        "duplicates collapsed",
			labels:      []string{"editor", "editor", "admin", "admin"},
			wantMerged:  []string{"editor", "admin"},
			wantPresent: true,
		},
		{
			name:        "first occurrence order kept",
			labels:      []string{"b", "a", "b"},
			wantMerged:  []string{"b", "a", "admin"},
			wantPresent: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged, present := MergeLabels(tt.labels, "admin")
			if !reflect.DeepEqual(merged, tt.wantMerged) {
				t.Errorf("expected merged %v, got %v", tt.wantMerged, merged)
			}
			if present != tt.wantPresent {
				t.Errorf("expected present %v, got %v", tt.wantPresent, present)
			}
		})
	}
}
