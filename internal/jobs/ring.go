package jobs

// Ring is a bounded per-session job cache keyed by job ID. When full,
// the oldest job is evicted; submissions against evicted jobs fail with
// ErrUnknownJob.
type Ring struct {
	size  int
	order []string
	jobs  map[string]*Job
}

// NewRing creates a job ring holding up to size jobs
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 8
	}
	return &Ring{
		size: size,
		jobs: make(map[string]*Job, size),
	}
}

// Put stores a job, evicting the oldest if the ring is full
func (r *Ring) Put(job *Job) {
	if _, exists := r.jobs[job.ID]; exists {
		return
	}

	if len(r.order) >= r.size {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.jobs, oldest)
	}

	r.order = append(r.order, job.ID)
	r.jobs[job.ID] = job
}

// Get looks up a job by ID
func (r *Ring) Get(id string) (*Job, error) {
	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrUnknownJob
	}
	return job, nil
}

// Len returns the number of cached jobs
func (r *Ring) Len() int {
	return len(r.jobs)
}
