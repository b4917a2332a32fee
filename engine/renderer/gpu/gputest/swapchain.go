package gputest

import (
	"sync"
	"time"

	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

type Swapchain struct {
	mu       sync.Mutex
	format   gpu.Format
	width    uint32
	height   uint32
	images   []gpu.Image
	views    []gpu.ImageView
	next     uint32
	acquire  []error
	present  []error
	presents []uint32
}

var _ gpu.Swapchain = (*Swapchain)(nil)

// NewSwapchain returns a 1280x720 swapchain with count images. Image handles
// start at a high base so they never collide with device handles.
func NewSwapchain(count uint32) *Swapchain {
	sc := &Swapchain{format: gpu.FormatB8G8R8A8Srgb, width: 1280, height: 720}
	for i := uint32(0); i < count; i++ {
		sc.images = append(sc.images, gpu.Image(1<<40+uint64(i)))
		sc.views = append(sc.views, gpu.ImageView(1<<41+uint64(i)))
	}
	return sc
}

// QueueAcquireResults makes upcoming acquires return errs in order. A nil
// entry acquires normally.
func (s *Swapchain) QueueAcquireResults(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquire = append(s.acquire, errs...)
}

func (s *Swapchain) QueuePresentResults(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.present = append(s.present, errs...)
}

func (s *Swapchain) AcquireNextImage(_ time.Duration, _ gpu.Semaphore) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.acquire) > 0 {
		err := s.acquire[0]
		s.acquire = s.acquire[1:]
		if err != nil {
			return 0, err
		}
	}
	idx := s.next
	s.next = (s.next + 1) % uint32(len(s.images))
	return idx, nil
}

func (s *Swapchain) Present(_ gpu.Queue, imageIndex uint32, _ []gpu.Semaphore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.present) > 0 {
		err := s.present[0]
		s.present = s.present[1:]
		if err != nil {
			return err
		}
	}
	s.presents = append(s.presents, imageIndex)
	return nil
}

// Presented returns the image indices presented so far.
func (s *Swapchain) Presented() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.presents...)
}

func (s *Swapchain) Image(index uint32) gpu.Image         { return s.images[index] }
func (s *Swapchain) ImageView(index uint32) gpu.ImageView { return s.views[index] }
func (s *Swapchain) Format() gpu.Format                   { return s.format }
func (s *Swapchain) ImageCount() uint32                   { return uint32(len(s.images)) }

func (s *Swapchain) Extent() (uint32, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Resize changes the reported extent.
func (s *Swapchain) Resize(width, height uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.width, s.height = width, height
}
