package bus

import "sync"

// samplePool recycles sample storage between audio messages so that steady
// streaming does not allocate per frame.
var samplePool = sync.Pool{
	New: func() any {
		s := make([]int16, 0, 8192)
		return &s
	},
}

// Samples is a single-owner audio buffer. Whoever holds the pointer owns the
// storage; handing it to [Queue.Enqueue] moves ownership to the queue and a
// consumer takes it over on dequeue. The owner calls [Samples.Release] when
// done.
type Samples struct {
	data *[]int16
}

// CopySamples copies src into a pooled buffer.
func CopySamples(src []int16) *Samples {
	p := samplePool.Get().(*[]int16)
	*p = append((*p)[:0], src...)
	return &Samples{data: p}
}

// Data returns the samples. It returns nil after Release.
func (s *Samples) Data() []int16 {
	if s == nil || s.data == nil {
		return nil
	}
	return *s.data
}

// Len returns the number of samples.
func (s *Samples) Len() int {
	return len(s.Data())
}

// ByteLen returns the encoded payload size.
func (s *Samples) ByteLen() int {
	return s.Len() * 2
}

// Release returns the storage to the pool. Further calls are no-ops.
func (s *Samples) Release() {
	if s == nil || s.data == nil {
		return
	}
	p := s.data
	s.data = nil
	*p = (*p)[:0]
	samplePool.Put(p)
}
