package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"newsvault/internal/index"
	"newsvault/internal/logging"
	"newsvault/internal/metrics"
	"newsvault/internal/store"
	"newsvault/internal/transport"
	"newsvault/internal/yenc"
)

// Errors
var (
	ErrUnknownJob        = errors.New("publish: unknown job")
	ErrShareConflict     = errors.New("publish: an active share of this type already exists for the folder")
	ErrShareNotActive    = errors.New("publish: share is not active")
	ErrWrongShareType    = errors.New("publish: operation requires an allow-listed share")
	ErrInvalidTransition = errors.New("publish: invalid job state transition")
)

// JobState is one stage of a publish job.
type JobState string

const (
	// JobPreparing covers indexing checks and segment posting.
	JobPreparing JobState = "preparing"
	// JobUploading covers manifest build and index upload.
	JobUploading JobState = "uploading"
	// JobPublished is terminal success.
	JobPublished JobState = "published"
	// JobFailed is terminal failure; Error carries the cause.
	JobFailed JobState = "failed"
)

// jobTransitions is the one-directional state machine. Terminal states
// have no exits.
var jobTransitions = map[JobState][]JobState{
	JobPreparing: {JobUploading, JobFailed},
	JobUploading: {JobPublished, JobFailed},
}

// Job is the observable state of one publish run. Snapshots returned by
// the coordinator are copies; the coordinator owns the live value.
type Job struct {
	ID             string
	FolderID       string
	ShareID        string
	ShareType      index.ShareType
	State          JobState
	Error          string
	AccessString   string
	Version        int
	SegmentsPosted int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProgressFunc receives job state snapshots as they change. Called from
// the job goroutine; a nil func disables reporting.
type ProgressFunc func(Job)

// Request describes one publication.
type Request struct {
	Folder    *store.Folder
	ShareType index.ShareType
	Newsgroup string

	// allow-listed
	AuthorizedIdentities []string

	// password-protected
	Password     string
	PasswordHint string

	// ExpiryDays marks the share inactive after N days; zero means no
	// expiry.
	ExpiryDays int

	// RedundancyCopies posts N extra prefixed copies of every segment.
	RedundancyCopies int

	// UpdateExisting revokes any active share of the same type for the
	// folder before publishing. Without it such a conflict is an error.
	UpdateExisting bool

	Progress ProgressFunc
}

// Options tunes a Coordinator.
type Options struct {
	// ChunkSize is the maximum article body for index uploads; larger
	// manifests are split.
	ChunkSize int
	// MaxChunks caps a manifest's chunk count; the build fails beyond it.
	MaxChunks int
	// ScryptN is the password KDF cost for password-protected shares;
	// zero means the built-in default.
	ScryptN int
	Logger  *logging.Logger
	Metrics *metrics.NewsvaultMetrics
}

// Coordinator runs publish jobs against a store and a transport client.
type Coordinator struct {
	store  *store.Store
	client transport.Client

	chunkSize int
	maxChunks int
	scryptN   int
	log       *logging.Logger
	metrics   *metrics.NewsvaultMetrics

	mu   sync.Mutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

// NewCoordinator creates a publish coordinator.
func NewCoordinator(st *store.Store, client transport.Client, opts *Options) *Coordinator {
	c := &Coordinator{
		store:     st,
		client:    client,
		chunkSize: index.SegmentSize,
		maxChunks: 50,
		jobs:      make(map[string]*Job),
	}
	if opts != nil {
		if opts.ChunkSize > 0 {
			c.chunkSize = opts.ChunkSize
		}
		if opts.MaxChunks > 0 {
			c.maxChunks = opts.MaxChunks
		}
		c.scryptN = opts.ScryptN
		c.log = opts.Logger
		c.metrics = opts.Metrics
	}
	if c.log == nil {
		c.log = logging.Default().WithComponent("publish")
	}
	return c
}

// Publish starts an async publish job and returns its initial snapshot.
// A folder holds at most one active share per type: publishing over an
// existing one fails with ErrShareConflict unless req.UpdateExisting asks
// for the old share to be revoked and replaced.
func (c *Coordinator) Publish(ctx context.Context, req *Request) (Job, error) {
	if !req.ShareType.Valid() {
		return Job{}, fmt.Errorf("%w: %q", index.ErrInvalidShareType, req.ShareType)
	}
	if req.ShareType == index.ShareAllowListed && len(req.AuthorizedIdentities) == 0 {
		return Job{}, index.ErrNoIdentities
	}
	if req.ShareType == index.SharePasswordProtected && req.Password == "" {
		return Job{}, index.ErrNoPassword
	}

	shares, err := c.store.ListShares(req.Folder.FolderID)
	if err != nil {
		return Job{}, fmt.Errorf("check active shares: %w", err)
	}
	for _, sh := range shares {
		if !sh.IsActive || sh.ShareType != string(req.ShareType) {
			continue
		}
		if !req.UpdateExisting {
			return Job{}, fmt.Errorf("%w: %s", ErrShareConflict, sh.ShareID)
		}
		if err := c.Revoke(sh.ShareID); err != nil {
			return Job{}, fmt.Errorf("revoke superseded share %s: %w", sh.ShareID, err)
		}
	}

	now := time.Now()
	job := &Job{
		ID:        uuid.NewString(),
		FolderID:  req.Folder.FolderID,
		ShareID:   NewShareID(req.Folder.FolderID, req.ShareType),
		ShareType: req.ShareType,
		State:     JobPreparing,
		Version:   req.Folder.CurrentVersion,
		CreatedAt: now,
		UpdatedAt: now,
	}

	c.mu.Lock()
	c.jobs[job.ID] = job
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.PublishJobsTotal.Inc()
		c.metrics.ActivePublishJobs.Inc()
	}
	c.log.Info("publish job started",
		"job_id", job.ID, "folder_id", job.FolderID,
		"share_id", job.ShareID, "share_type", string(job.ShareType))

	snapshot := *job
	c.wg.Add(1)
	go c.run(ctx, job.ID, req)
	return snapshot, nil
}

// Wait blocks until every running job has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Job returns a snapshot of one job.
func (c *Coordinator) Job(id string) (Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[id]
	if !ok {
		return Job{}, ErrUnknownJob
	}
	return *job, nil
}

// Jobs returns snapshots of all tracked jobs.
func (c *Coordinator) Jobs() []Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Job, 0, len(c.jobs))
	for _, job := range c.jobs {
		out = append(out, *job)
	}
	return out
}

// CleanupJobs drops terminal jobs older than maxAge and returns how many
// were removed.
func (c *Coordinator) CleanupJobs(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, job := range c.jobs {
		if (job.State == JobPublished || job.State == JobFailed) && job.UpdatedAt.Before(cutoff) {
			delete(c.jobs, id)
			removed++
		}
	}
	return removed
}

// Revoke marks a share inactive. Articles already posted are immutable,
// so revocation is local bookkeeping only: this node stops serving or
// renewing the share, but copies already fetched stay readable.
func (c *Coordinator) Revoke(shareID string) error {
	if err := c.store.RevokeShare(shareID); err != nil {
		return err
	}
	c.log.Info("share revoked locally", "share_id", shareID)
	return nil
}

// UpdateAccess replaces an allow-listed share's identity list. Published
// manifests cannot be edited in place, so the old share is revoked and a
// full republish runs under a fresh share id.
func (c *Coordinator) UpdateAccess(ctx context.Context, folder *store.Folder, shareID string, identities []string) (Job, error) {
	share, err := c.store.GetShare(shareID)
	if err != nil {
		return Job{}, err
	}
	if share.ShareType != string(index.ShareAllowListed) {
		return Job{}, ErrWrongShareType
	}
	if !share.IsActive {
		return Job{}, ErrShareNotActive
	}

	if err := c.Revoke(shareID); err != nil {
		return Job{}, err
	}
	return c.Publish(ctx, &Request{
		Folder:               folder,
		ShareType:            index.ShareAllowListed,
		AuthorizedIdentities: identities,
	})
}

// run drives one job to a terminal state. The job id rides on the context
// so every log line the job emits carries it.
func (c *Coordinator) run(ctx context.Context, jobID string, req *Request) {
	defer c.wg.Done()
	defer func() {
		if c.metrics != nil {
			c.metrics.ActivePublishJobs.Dec()
		}
	}()

	ctx = logging.ContextWithJobID(ctx, jobID)
	if err := c.execute(ctx, jobID, req); err != nil {
		c.fail(jobID, req.Progress, err)
	}
}

func (c *Coordinator) execute(ctx context.Context, jobID string, req *Request) error {
	folder := req.Folder

	files, err := c.store.GetFiles(folder.FolderID)
	if err != nil {
		return fmt.Errorf("load files: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("folder %s has no indexed files", folder.FolderID)
	}

	posted := 0
	payload := &index.Payload{SegmentMap: make(map[string][]index.SegmentEntry, len(files))}

	for _, f := range files {
		payload.Files = append(payload.Files, index.FileEntry{
			Path: f.Path, Hash: f.Hash, Size: f.Size,
		})

		segments, err := c.store.GetSegmentsByFile(folder.FolderID, f.Path)
		if err != nil {
			return fmt.Errorf("load segments for %s: %w", f.Path, err)
		}
		for i := range segments {
			seg := &segments[i]
			if seg.MessageID == "" {
				n, err := c.postSegment(ctx, folder, seg, req)
				if err != nil {
					return fmt.Errorf("post segment %s[%d]: %w", f.Path, seg.SegmentIndex, err)
				}
				posted += n
				c.update(jobID, req.Progress, func(j *Job) { j.SegmentsPosted += n })
			}
			payload.SegmentMap[f.Path] = append(payload.SegmentMap[f.Path], index.SegmentEntry{
				Index:              seg.SegmentIndex,
				SegmentID:          seg.SegmentID,
				Hash:               seg.Hash,
				Size:               seg.Size,
				MessageID:          seg.MessageID,
				SubjectFingerprint: seg.SubjectFingerprint,
				Newsgroup:          seg.Newsgroup,
				RedundancyIndex:    seg.RedundancyIndex,
			})
		}
	}

	if err := c.transition(jobID, req.Progress, JobUploading); err != nil {
		return err
	}

	shareID := c.shareIDOf(jobID)
	var buildTimer *metrics.HistogramTimer
	if c.metrics != nil {
		buildTimer = c.metrics.IndexBuildDuration.Timer()
	}
	result, err := index.Build(&index.BuildRequest{
		FolderID:             folder.FolderID,
		Version:              folder.CurrentVersion,
		ShareType:            c.shareTypeOf(jobID),
		Payload:              payload,
		PrivateKey:           folder.PrivateKey,
		AuthorizedIdentities: req.AuthorizedIdentities,
		Password:             req.Password,
		PasswordHint:         req.PasswordHint,
		ScryptN:              c.scryptN,
		MaxChunks:            c.maxChunks,
		ChunkSize:            c.chunkSize,
	})
	if err != nil {
		return fmt.Errorf("build manifest: %w", err)
	}
	if buildTimer != nil {
		buildTimer.Stop()
	}

	ref, err := c.uploadIndex(ctx, shareID, req.Newsgroup, result.Compressed)
	if err != nil {
		return fmt.Errorf("upload index: %w", err)
	}

	env := &AccessEnvelope{
		V:         accessVersion,
		ShareID:   shareID,
		ShareType: string(c.shareTypeOf(jobID)),
		FolderID:  folder.FolderID,
		Created:   time.Now().UTC().Format(time.RFC3339),
		Index:     *ref,
	}
	accessString, err := EncodeAccessString(env)
	if err != nil {
		return err
	}

	refJSON, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("marshal index reference: %w", err)
	}
	share := &store.Share{
		ShareID:        shareID,
		FolderID:       folder.FolderID,
		ShareType:      string(c.shareTypeOf(jobID)),
		Version:        folder.CurrentVersion,
		AccessString:   accessString,
		IndexReference: string(refJSON),
		IsActive:       true,
	}
	if req.ExpiryDays > 0 {
		expires := time.Now().AddDate(0, 0, req.ExpiryDays).Unix()
		share.ExpiresAt = &expires
	}
	if _, err := c.store.RecordPublication(share); err != nil {
		return fmt.Errorf("record publication: %w", err)
	}

	c.update(jobID, req.Progress, func(j *Job) { j.AccessString = accessString })
	if err := c.transition(jobID, req.Progress, JobPublished); err != nil {
		return err
	}

	c.log.WithContext(ctx).Info("publish job finished",
		"share_id", shareID,
		"segments_posted", posted, "index_bytes", len(result.Compressed),
		"chunks", chunkCount(ref))
	return nil
}

// postSegment posts a segment's primary copy plus the requested redundancy
// copies, recording every message id. Returns how many articles went out.
func (c *Coordinator) postSegment(ctx context.Context, folder *store.Folder, seg *store.Segment, req *Request) (int, error) {
	data, err := index.ReadSegment(
		filepath.Join(folder.Path, filepath.FromSlash(seg.FilePath)),
		index.FileSegment{Index: seg.SegmentIndex, Hash: seg.Hash, Size: seg.Size, Offset: seg.Offset},
	)
	if err != nil {
		return 0, err
	}

	newsgroup := req.Newsgroup
	posted := 0

	start := time.Now()
	res, err := c.client.PostData(ctx, seg.SubjectFingerprint,
		yenc.Encode(seg.SegmentID, data), newsgroup, nil)
	if err != nil {
		return posted, err
	}
	posted++
	c.observePost(start)
	if err := c.store.SetSegmentMessageID(seg.ID, res.MessageID); err != nil {
		return posted, err
	}
	seg.MessageID = res.MessageID
	seg.Newsgroup = newsgroup

	for i := 1; i <= req.RedundancyCopies; i++ {
		body := append([]byte(fmt.Sprintf("REDUNDANCY_COPY_%d:", i)), data...)
		start := time.Now()
		res, err := c.client.PostData(ctx, seg.SubjectFingerprint,
			yenc.Encode(seg.SegmentID, body), newsgroup, nil)
		if err != nil {
			return posted, err
		}
		posted++
		c.observePost(start)

		copyRow := *seg
		copyRow.ID = 0
		copyRow.MessageID = res.MessageID
		copyRow.Newsgroup = newsgroup
		copyRow.RedundancyIndex = i
		if _, err := c.store.InsertSegment(&copyRow); err != nil {
			return posted, err
		}
	}
	return posted, nil
}

// uploadIndex posts the compressed manifest, splitting into ordered chunks
// when it exceeds the chunk size.
func (c *Coordinator) uploadIndex(ctx context.Context, shareID, newsgroup string, compressed []byte) (*IndexReference, error) {
	if len(compressed) <= c.chunkSize {
		subject := fmt.Sprintf("%s:index", shareID)
		start := time.Now()
		res, err := c.client.PostData(ctx, subject, compressed, newsgroup, nil)
		if err != nil {
			return nil, err
		}
		c.observePost(start)
		return &IndexReference{
			Type:      "single",
			MessageID: res.MessageID,
			Newsgroup: newsgroup,
			Subject:   subject,
		}, nil
	}

	total := (len(compressed) + c.chunkSize - 1) / c.chunkSize
	ref := &IndexReference{Type: "multi", Newsgroup: newsgroup, Total: total}

	for i := 0; i < total; i++ {
		lo := i * c.chunkSize
		hi := lo + c.chunkSize
		if hi > len(compressed) {
			hi = len(compressed)
		}
		subject := fmt.Sprintf("%s:index:%d/%d", shareID, i+1, total)

		start := time.Now()
		res, err := c.client.PostData(ctx, subject, compressed[lo:hi], newsgroup, nil)
		if err != nil {
			return nil, fmt.Errorf("post chunk %d/%d: %w", i+1, total, err)
		}
		c.observePost(start)

		ref.Segments = append(ref.Segments, IndexChunk{
			Index:     i,
			MessageID: res.MessageID,
			Newsgroup: newsgroup,
			Subject:   subject,
			Size:      hi - lo,
		})
	}
	return ref, nil
}

// transition moves a job along the one-directional state machine.
func (c *Coordinator) transition(jobID string, progress ProgressFunc, next JobState) error {
	var snapshot Job
	c.mu.Lock()
	job, ok := c.jobs[jobID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownJob
	}
	if !transitionAllowed(job.State, next) {
		from := job.State
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}
	job.State = next
	job.UpdatedAt = time.Now()
	snapshot = *job
	c.mu.Unlock()

	if progress != nil {
		progress(snapshot)
	}
	return nil
}

func transitionAllowed(from, to JobState) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// update mutates a job under the lock and reports the new snapshot.
func (c *Coordinator) update(jobID string, progress ProgressFunc, fn func(*Job)) {
	var snapshot Job
	c.mu.Lock()
	job, ok := c.jobs[jobID]
	if !ok {
		c.mu.Unlock()
		return
	}
	fn(job)
	job.UpdatedAt = time.Now()
	snapshot = *job
	c.mu.Unlock()

	if progress != nil {
		progress(snapshot)
	}
}

func (c *Coordinator) fail(jobID string, progress ProgressFunc, cause error) {
	c.update(jobID, progress, func(j *Job) {
		j.State = JobFailed
		j.Error = cause.Error()
	})
	if c.metrics != nil {
		c.metrics.PublishFailuresTotal.Inc()
	}
	c.log.Error("publish job failed", "job_id", jobID, "error", cause)
}

func (c *Coordinator) shareIDOf(jobID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if job, ok := c.jobs[jobID]; ok {
		return job.ShareID
	}
	return ""
}

func (c *Coordinator) shareTypeOf(jobID string) index.ShareType {
	c.mu.Lock()
	defer c.mu.Unlock()
	if job, ok := c.jobs[jobID]; ok {
		return job.ShareType
	}
	return ""
}

func (c *Coordinator) observePost(start time.Time) {
	if c.metrics != nil {
		c.metrics.ArticlesPostedTotal.Inc()
		c.metrics.UploadDuration.ObserveDuration(time.Since(start))
	}
}

func chunkCount(ref *IndexReference) int {
	if ref.Type == "single" {
		return 1
	}
	return ref.Total
}

// FetchIndex downloads the compressed manifest an index reference points
// at, reassembling multi-chunk uploads in order. The result feeds
// index.Parse or index.Decrypt.
func FetchIndex(ctx context.Context, client transport.Client, ref *IndexReference) ([]byte, error) {
	if ref.Type == "single" {
		return client.RetrieveArticle(ctx, ref.MessageID, ref.Newsgroup)
	}

	chunks := make([]IndexChunk, len(ref.Segments))
	copy(chunks, ref.Segments)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })

	var buf bytes.Buffer
	for _, ch := range chunks {
		newsgroup := ch.Newsgroup
		if newsgroup == "" {
			newsgroup = ref.Newsgroup
		}
		data, err := client.RetrieveArticle(ctx, ch.MessageID, newsgroup)
		if err != nil {
			return nil, fmt.Errorf("fetch chunk %d: %w", ch.Index, err)
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}
