package bambu

import (
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/printfarm/farmd/go/fleet"
)

type pushingCommand struct {
	Command    string `json:"command"`
	SequenceID string `json:"sequence_id"`
	Version    int    `json:"version"`
	PushTarget int    `json:"push_target"`
}

type printCommand struct {
	Command     string  `json:"command"`
	SequenceID  string  `json:"sequence_id"`
	Param       string  `json:"param"`
	File        *string `json:"file,omitempty"`
	URL         string  `json:"url,omitempty"`
	BedLeveling *bool   `json:"bed_leveling,omitempty"`
	UseAMS      *bool   `json:"use_ams,omitempty"`
}

// RequestStatus asks the printer to push its full state.
func (s *Session) RequestStatus() error {
	var payload, _ = json.Marshal(map[string]pushingCommand{
		"pushing": {
			Command:    "pushall",
			SequenceID: s.nextSeq(),
			Version:    1,
			PushTarget: 1,
		},
	})
	return s.publish(payload)
}

func (s *Session) printCmd(cmd printCommand) error {
	cmd.SequenceID = s.nextSeq()
	var payload, _ = json.Marshal(map[string]printCommand{"print": cmd})
	return s.publish(payload)
}

// SendGcodeLine sends one G-code command.
func (s *Session) SendGcodeLine(line string) error {
	return s.printCmd(printCommand{Command: "gcode_line", Param: line})
}

// SendGcodeLines splits a blob, strips comments and blanks, and sends the
// lines with a short gap so the printer's parser keeps up.
func (s *Session) SendGcodeLines(blob string) error {
	for i, line := range SplitGcode(blob) {
		if i > 0 {
			time.Sleep(interLineDelay)
		}
		if err := s.SendGcodeLine(line); err != nil {
			return err
		}
	}
	return nil
}

// StartProject starts a previously uploaded file.
func (s *Session) StartProject(filename string) error {
	var empty = ""
	var yes = true
	return s.printCmd(printCommand{
		Command:     "project_file",
		Param:       "Metadata/plate_1.gcode",
		File:        &empty,
		URL:         "file:///sdcard/" + filename,
		BedLeveling: &yes,
		UseAMS:      &yes,
	})
}

func (s *Session) Stop() error   { return s.printCmd(printCommand{Command: "stop", Param: ""}) }
func (s *Session) Pause() error  { return s.printCmd(printCommand{Command: "pause", Param: ""}) }
func (s *Session) Resume() error { return s.printCmd(printCommand{Command: "resume", Param: ""}) }

// SendEjection runs an ejection G-code sequence. The sequence gets a
// trailing M400 whose ack is the completion signal. Rejected while a
// sequence is active or within the per-printer cooldown window; force
// bypasses both gates for operator-initiated tests.
func (s *Session) SendEjection(gcode string, force bool) error {
	s.mu.Lock()
	if !force {
		if s.ejectionActive {
			s.mu.Unlock()
			return fmt.Errorf("ejection already in progress on %s", s.name)
		}
		if !s.lastEjection.IsZero() && time.Since(s.lastEjection) < ejectionCooldown {
			s.mu.Unlock()
			return fmt.Errorf("ejection on %s rejected: cooldown window", s.name)
		}
	}
	s.ejectionActive = true
	s.waitingForM400 = true
	s.ejectingSince = time.Now()
	s.snap.State = fleet.StateEjecting
	s.snap.EjectionComplete = false
	s.mu.Unlock()

	var lines = EnsureM400(SplitGcode(gcode))
	log.WithFields(log.Fields{"printer": s.name, "lines": len(lines)}).Info("sending ejection sequence")

	for i, line := range lines {
		if i > 0 {
			time.Sleep(interLineDelay)
		}
		if err := s.SendGcodeLine(line); err != nil {
			s.FinishEjection()
			return err
		}
	}
	return nil
}

// FinishEjection clears the session's ejection flow after the completion
// detector resolves it.
func (s *Session) FinishEjection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ejectionActive = false
	s.waitingForM400 = false
	s.ejectingSince = time.Time{}
	s.lastEjection = time.Now()
	s.snap.EjectionComplete = false
}

// Manager-level command forwarding. Each returns an error when the
// printer has no live session.

func (m *Manager) withSession(name string, fn func(*Session) error) error {
	var s, ok = m.session(name)
	if !ok {
		return fmt.Errorf("no session for printer %s", name)
	}
	return fn(s)
}

func (m *Manager) RequestStatus(name string) error {
	return m.withSession(name, (*Session).RequestStatus)
}

func (m *Manager) SendGcodeLines(name, blob string) error {
	return m.withSession(name, func(s *Session) error { return s.SendGcodeLines(blob) })
}

func (m *Manager) StartProject(name, filename string) error {
	return m.withSession(name, func(s *Session) error { return s.StartProject(filename) })
}

func (m *Manager) Stop(name string) error   { return m.withSession(name, (*Session).Stop) }
func (m *Manager) Pause(name string) error  { return m.withSession(name, (*Session).Pause) }
func (m *Manager) Resume(name string) error { return m.withSession(name, (*Session).Resume) }

func (m *Manager) SendEjection(name, gcode string, force bool) error {
	return m.withSession(name, func(s *Session) error { return s.SendEjection(gcode, force) })
}

func (m *Manager) FinishEjection(name string) {
	if s, ok := m.session(name); ok {
		s.FinishEjection()
	}
}
