package store

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/Popie52/batchqueue/internal/model"
)

// FileJobStore keeps all records in one JSON file, rewritten atomically on every change.
type FileJobStore struct {
	path string
	mu   sync.Mutex
}

func NewFileJobStore(path string) *FileJobStore {
	return &FileJobStore{
		path: path,
	}
}

func (s *FileJobStore) Save(_ context.Context, job model.JobDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := readJobs(s.path)
	if err != nil {
		return err
	}
	replaced := false
	for i := range jobs {
		if jobs[i].JobID == job.JobID {
			jobs[i] = job
			replaced = true
			break
		}
	}
	if !replaced {
		jobs = append(jobs, job)
	}
	return writeJobs(s.path, jobs)
}

func (s *FileJobStore) Load(_ context.Context) ([]model.JobDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := readJobs(s.path)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].Seq < jobs[j].Seq })
	return jobs, nil
}

func (s *FileJobStore) Remove(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := readJobs(s.path)
	if err != nil {
		return err
	}

	kept := jobs[:0]
	for _, j := range jobs {
		if j.JobID != jobID {
			kept = append(kept, j)
		}
	}
	if len(kept) == len(jobs) {
		return nil
	}
	return writeJobs(s.path, kept)
}

// Helpers
func readJobs(path string) ([]model.JobDetail, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []model.JobDetail{}, nil
		}
		return nil, errors.WithStack(err)
	}

	var jobs []model.JobDetail
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}

	return jobs, nil
}

func writeJobs(path string, jobs []model.JobDetail) error {
	data, err := json.MarshalIndent(jobs, "", " ")
	if err != nil {
		return errors.WithStack(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp, path))
}
