package call

import "github.com/duocall/duocall/internal/media"

// controller returns the live track controller, or ErrInvalidState when the
// call has no local media to control.
func (s *Session) controller() (*media.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.neg == nil {
		return nil, ErrInvalidState
	}
	c := s.neg.Controller()
	if c == nil {
		return nil, ErrInvalidState
	}
	return c, nil
}

// ToggleAudio flips the outgoing audio. Returns the new enabled state.
func (s *Session) ToggleAudio() (bool, error) {
	c, err := s.controller()
	if err != nil {
		return false, err
	}
	return c.ToggleAudio()
}

// ToggleVideo flips the outgoing video. Returns the new enabled state.
func (s *Session) ToggleVideo() (bool, error) {
	c, err := s.controller()
	if err != nil {
		return false, err
	}
	return c.ToggleVideo()
}

// StartScreenShare substitutes a display capture for the outgoing camera
// track. Failure is non-fatal: the call continues with the prior video
// source and the UI gets a notice.
func (s *Session) StartScreenShare() error {
	c, err := s.controller()
	if err != nil {
		return err
	}
	if err := c.StartScreenShare(); err != nil {
		s.emitNotice(NoticeScreenShareFailed, err.Error())
		return err
	}
	return nil
}

// StopScreenShare puts the camera back. Idempotent.
func (s *Session) StopScreenShare() error {
	c, err := s.controller()
	if err != nil {
		return err
	}
	c.StopScreenShare()
	return nil
}

// MediaState returns the current local media flags.
func (s *Session) MediaState() media.State {
	c, err := s.controller()
	if err != nil {
		return media.State{}
	}
	return c.State()
}
