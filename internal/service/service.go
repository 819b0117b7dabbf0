package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cartridge/experience/internal/events"
	"github.com/cartridge/experience/internal/experience"
)

// AppendSequenceRequest carries one trajectory, oldest step first.
type AppendSequenceRequest struct {
	Samples []experience.Sample `json:"samples"`
}

// AppendSequenceResponse acknowledges an append. Pending counts appends
// still waiting on the deferred queue, this one included when it was queued.
type AppendSequenceResponse struct {
	Length  int   `json:"length"`
	Pending int64 `json:"pending"`
}

// GetSampleRequest selects one sample by pool-wide index.
type GetSampleRequest struct {
	Index int `json:"index"`
}

// SampleResponse wraps a single sample.
type SampleResponse struct {
	Sample experience.Sample `json:"sample"`
}

// GetBatchRequest selects samples by pool-wide index.
type GetBatchRequest struct {
	Indices []int `json:"indices"`
}

// BatchResponse holds samples in request order.
type BatchResponse struct {
	Samples []experience.Sample `json:"samples"`
}

// GetSequenceRequest selects a window of one sequence. A negative Length
// reads to the end of the sequence.
type GetSequenceRequest struct {
	Sequence int `json:"sequence"`
	Start    int `json:"start"`
	Length   int `json:"length"`
}

// SequenceResponse holds consecutive samples of one sequence.
type SequenceResponse struct {
	Samples []experience.Sample `json:"samples"`
}

// GetBatchedSequenceRequest selects the same window from several sequences.
type GetBatchedSequenceRequest struct {
	Sequences []int `json:"sequences"`
	Starts    []int `json:"starts"`
	Length    int   `json:"length"`
}

// BatchedSequenceResponse holds Steps[t][k], step t of request k.
type BatchedSequenceResponse struct {
	Steps [][]experience.Sample `json:"steps"`
}

// GetStatsRequest is empty; IncludeLocations adds the sequence index.
type GetStatsRequest struct {
	IncludeLocations bool `json:"include_locations"`
}

// StatsResponse reports pool bookkeeping.
type StatsResponse struct {
	experience.Stats
	Locations []experience.SequenceLocation `json:"locations,omitempty"`
}

// DumpRequest is empty.
type DumpRequest struct{}

// DumpResponse reports what was persisted.
type DumpResponse struct {
	Size      int   `json:"size"`
	Sequences int   `json:"sequences"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

// ResetRequest is empty.
type ResetRequest struct{}

// ResetResponse is empty.
type ResetResponse struct{}

// ExperienceService exposes a pool to remote producers and learners. Its
// methods return gRPC status errors and are shared by both transports.
type ExperienceService struct {
	pool   *experience.Pool
	events events.Publisher
	logger zerolog.Logger
}

// NewExperienceService creates a new ExperienceService
func NewExperienceService(pool *experience.Pool, publisher events.Publisher, logger zerolog.Logger) *ExperienceService {
	return &ExperienceService{
		pool:   pool,
		events: publisher,
		logger: logger.With().Str("component", "experience_service").Logger(),
	}
}

// Pool returns the underlying pool.
func (s *ExperienceService) Pool() *experience.Pool { return s.pool }

// AppendSequence stores a trajectory
func (s *ExperienceService) AppendSequence(ctx context.Context, req *AppendSequenceRequest) (*AppendSequenceResponse, error) {
	if len(req.Samples) == 0 {
		return nil, status.Error(codes.InvalidArgument, "samples are required")
	}
	if err := s.pool.Append(req.Samples); err != nil {
		return nil, toStatus(err)
	}
	return &AppendSequenceResponse{
		Length:  len(req.Samples),
		Pending: s.pool.Stats().Pending,
	}, nil
}

// GetSample reads one sample
func (s *ExperienceService) GetSample(ctx context.Context, req *GetSampleRequest) (*SampleResponse, error) {
	resp := &SampleResponse{}
	if _, err := s.pool.Sample(&resp.Sample, req.Index); err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

// GetBatch reads samples by index
func (s *ExperienceService) GetBatch(ctx context.Context, req *GetBatchRequest) (*BatchResponse, error) {
	if len(req.Indices) == 0 {
		return nil, status.Error(codes.InvalidArgument, "indices are required")
	}
	batch, err := s.pool.Batch(nil, req.Indices...)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BatchResponse{Samples: batch.Samples}, nil
}

// GetSequence reads a window of one sequence
func (s *ExperienceService) GetSequence(ctx context.Context, req *GetSequenceRequest) (*SequenceResponse, error) {
	seq, err := s.pool.Sequence(nil, req.Sequence, req.Start, req.Length)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SequenceResponse{Samples: seq.Samples}, nil
}

// GetBatchedSequence reads the same window from several sequences
func (s *ExperienceService) GetBatchedSequence(ctx context.Context, req *GetBatchedSequenceRequest) (*BatchedSequenceResponse, error) {
	if len(req.Sequences) == 0 {
		return nil, status.Error(codes.InvalidArgument, "sequences are required")
	}
	if len(req.Sequences) != len(req.Starts) {
		return nil, status.Error(codes.InvalidArgument, "sequences and starts must have same length")
	}
	bs, err := s.pool.BatchedSequence(nil, req.Sequences, req.Starts, req.Length)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &BatchedSequenceResponse{Steps: make([][]experience.Sample, bs.Len())}
	for i := range bs.Steps {
		resp.Steps[i] = bs.Steps[i].Samples
	}
	return resp, nil
}

// GetStats returns pool statistics
func (s *ExperienceService) GetStats(ctx context.Context, req *GetStatsRequest) (*StatsResponse, error) {
	resp := &StatsResponse{Stats: s.pool.Stats()}
	if req.IncludeLocations {
		resp.Locations = s.pool.Locations()
	}
	return resp, nil
}

// Dump persists the pool
func (s *ExperienceService) Dump(ctx context.Context, req *DumpRequest) (*DumpResponse, error) {
	start := time.Now()
	err := s.pool.Dump(ctx)
	elapsed := time.Since(start)

	stats := s.pool.Stats()
	event := events.PoolEvent{
		Pool:      stats.Name,
		Kind:      events.PoolDumped,
		Size:      stats.Size,
		Sequences: stats.Sequences,
		Duration:  elapsed,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		event.Kind = events.PoolFailed
		event.Error = err.Error()
	}
	s.publish(ctx, event)

	if err != nil {
		return nil, toStatus(err)
	}
	return &DumpResponse{
		Size:      stats.Size,
		Sequences: stats.Sequences,
		ElapsedMS: elapsed.Milliseconds(),
	}, nil
}

// Reset clears the pool
func (s *ExperienceService) Reset(ctx context.Context, req *ResetRequest) (*ResetResponse, error) {
	s.pool.Reset()
	s.publish(ctx, events.PoolEvent{
		Pool:      s.pool.Name(),
		Kind:      events.PoolReset,
		Timestamp: time.Now().UTC(),
	})
	return &ResetResponse{}, nil
}

func (s *ExperienceService) publish(ctx context.Context, event events.PoolEvent) {
	if err := s.events.PublishPoolEvent(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(event.Kind)).Msg("Failed to publish pool event")
	}
}

// toStatus maps pool errors to gRPC status codes
func toStatus(err error) error {
	switch {
	case errors.Is(err, experience.ErrEmptySequence), errors.Is(err, experience.ErrShapeMismatch):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, experience.ErrInvalidIndex):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, experience.ErrQueueFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, experience.ErrSequenceTooLong), errors.Is(err, experience.ErrPersistenceDisabled):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, experience.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
