package printjob

import (
	"errors"
	"sync"
)

// ErrNoJob is returned when no job is being recorded.
var ErrNoJob = errors.New("no print job")

// Context holds the job currently being recorded.
type Context struct {
	mu  sync.RWMutex
	job *Job
}

// NewContext creates an empty Context.
func NewContext() *Context {
	return &Context{}
}

// Get returns the current job.
func (c *Context) Get() (*Job, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.job == nil {
		return nil, ErrNoJob
	}
	return c.job, nil
}

// Set replaces the current job and returns the previous one, if any.
func (c *Context) Set(job *Job) *Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.job
	c.job = job
	return prev
}

// Take removes and returns the current job.
func (c *Context) Take() (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil {
		return nil, ErrNoJob
	}
	job := c.job
	c.job = nil
	return job, nil
}
