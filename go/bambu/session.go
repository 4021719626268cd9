// Package bambu is the push-side printer driver: a persistent MQTT
// session per printer receives state reports and carries commands, and an
// FTPS channel pushes print files to the printer's storage.
package bambu

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/printfarm/farmd/go/fleet"
)

const (
	mqttPort         = 8883
	mqttUser         = "bblp"
	connectTimeout   = 20 * time.Second
	keepAlive        = 60 * time.Second
	maxReconnects    = 5
	reconnectCap     = 30 * time.Second
	MaintainInterval = 30 * time.Second
	reportStaleAfter = 60 * time.Second
	interLineDelay   = 100 * time.Millisecond
	ejectionCooldown = 10 * time.Second
)

// Session is one printer's MQTT connection plus its cached snapshot and
// ejection bookkeeping. All commands for a printer flow through its
// session so the sequence-id counter stays coherent.
type Session struct {
	name       string
	ip         string
	serial     string
	accessCode string
	caPool     *x509.CertPool

	seq atomic.Int64

	mu                sync.Mutex
	client            mqtt.Client
	snap              Snapshot
	waitingForM400    bool
	ejectionActive    bool
	ejectingSince     time.Time
	lastEjection      time.Time
	reconnectAttempts int
	closed            bool
}

func (s *Session) reportTopic() string  { return "device/" + s.serial + "/report" }
func (s *Session) requestTopic() string { return "device/" + s.serial + "/request" }

// The client handle is swapped by connect() from reconnect and
// maintenance goroutines while publishers read it, so every access goes
// through s.mu.
func (s *Session) setClient(c mqtt.Client) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

func (s *Session) currentClient() mqtt.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *Session) connect() error {
	var tlsConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS12,
		// Printer certificates are self-signed against the serial, so
		// hostname verification cannot succeed.
		InsecureSkipVerify: true,
	}
	if s.caPool != nil {
		tlsConfig.RootCAs = s.caPool
	}

	// Clean session and QoS 0 throughout: nothing may be queued for
	// redelivery, or a command published just before a disconnect would
	// replay on the printer after reconnect.
	var opts = mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", s.ip, mqttPort)).
		SetClientID(fmt.Sprintf("%s_%d", sanitizeClientID(s.name), time.Now().Unix())).
		SetUsername(mqttUser).
		SetPassword(s.accessCode).
		SetTLSConfig(tlsConfig).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetMaxResumePubInFlight(1).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)

	var client = mqtt.NewClient(opts)
	s.setClient(client)
	if token := client.Connect(); token.WaitTimeout(connectTimeout) && token.Error() == nil {
		return nil
	} else if token.Error() != nil {
		return fmt.Errorf("connecting to %s: %w", s.name, token.Error())
	}
	return fmt.Errorf("connecting to %s: timed out", s.name)
}

func (s *Session) onConnect(client mqtt.Client) {
	log.WithField("printer", s.name).Info("printer session connected")

	if token := client.Subscribe(s.reportTopic(), 0, s.onMessage); token.WaitTimeout(connectTimeout) && token.Error() != nil {
		log.WithFields(log.Fields{"printer": s.name, "error": token.Error()}).Warn("report subscription failed")
	}
	s.mu.Lock()
	s.reconnectAttempts = 0
	s.mu.Unlock()

	// Prime the snapshot with a full state push.
	if err := s.RequestStatus(); err != nil {
		log.WithFields(log.Fields{"printer": s.name, "error": err}).Warn("status request failed")
	}
}

func (s *Session) onConnectionLost(_ mqtt.Client, err error) {
	log.WithFields(log.Fields{"printer": s.name, "error": err}).Warn("printer session lost")

	s.mu.Lock()
	s.snap.State = fleet.StateOffline
	var attempts = s.reconnectAttempts
	var closed = s.closed
	s.mu.Unlock()

	if closed || attempts >= maxReconnects {
		return
	}
	go s.reconnectAfter(attempts + 1)
}

func (s *Session) reconnectAfter(attempt int) {
	var delay = time.Duration(attempt) * 5 * time.Second
	if delay > reconnectCap {
		delay = reconnectCap
	}
	time.Sleep(delay)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.reconnectAttempts = attempt
	s.mu.Unlock()

	log.WithFields(log.Fields{"printer": s.name, "attempt": attempt}).Info("reconnecting printer session")
	if err := s.connect(); err != nil {
		log.WithFields(log.Fields{"printer": s.name, "error": err}).Warn("reconnect failed")
		if attempt < maxReconnects {
			go s.reconnectAfter(attempt + 1)
		}
	}
}

func (s *Session) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := applyReport(&s.snap, msg.Payload(), s.waitingForM400, s.ejectingSince); err != nil {
		log.WithFields(log.Fields{"printer": s.name, "error": err}).Debug("discarding malformed report")
	}
}

// publish sends one command document at QoS 0. Fire and forget: the
// printer's next report is the acknowledgement.
func (s *Session) publish(payload []byte) error {
	var client = s.currentClient()
	if client == nil || !client.IsConnected() {
		return fmt.Errorf("printer %s is not connected", s.name)
	}
	var token = client.Publish(s.requestTopic(), 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to %s timed out", s.name)
	}
	return token.Error()
}

func (s *Session) nextSeq() string {
	return fmt.Sprintf("%d", s.seq.Add(1))
}

// Snapshot returns a copy of the cached state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	var client = s.client
	s.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}

func sanitizeClientID(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// Manager owns all Bambu sessions, keyed by printer name.
type Manager struct {
	caPool *x509.CertPool

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a Manager. caCertPath optionally names the vendor CA
// bundle; connections proceed without it since hostname verification is
// disabled regardless.
func NewManager(caCertPath string) *Manager {
	var m = &Manager{sessions: make(map[string]*Session)}
	if caCertPath != "" {
		if pem, err := os.ReadFile(caCertPath); err == nil {
			m.caPool = x509.NewCertPool()
			m.caPool.AppendCertsFromPEM(pem)
		} else {
			log.WithFields(log.Fields{"path": caCertPath, "error": err}).Warn("vendor CA bundle not loaded")
		}
	}
	return m
}

// Ensure opens a session for the printer if none exists. accessCode is
// the decrypted credential.
func (m *Manager) Ensure(name, ip, serial, accessCode string) error {
	m.mu.Lock()
	if _, ok := m.sessions[name]; ok {
		m.mu.Unlock()
		return nil
	}
	var s = &Session{
		name:       name,
		ip:         ip,
		serial:     serial,
		accessCode: accessCode,
		caPool:     m.caPool,
	}
	m.sessions[name] = s
	m.mu.Unlock()

	if err := s.connect(); err != nil {
		m.mu.Lock()
		delete(m.sessions, name)
		m.mu.Unlock()
		return err
	}
	return nil
}

// Remove closes and forgets the printer's session.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	var s = m.sessions[name]
	delete(m.sessions, name)
	m.mu.Unlock()
	if s != nil {
		s.close()
	}
}

func (m *Manager) session(name string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s, ok = m.sessions[name]
	return s, ok
}

// Observation converts the printer's cached snapshot into a driver
// observation, or nil when no session exists or nothing has been heard.
func (m *Manager) Observation(name string) *fleet.Observation {
	var s, ok = m.session(name)
	if !ok {
		return nil
	}
	var snap = s.Snapshot()
	if snap.LastReport.IsZero() || snap.State == "" {
		return nil
	}
	return &fleet.Observation{
		State:            snap.State,
		Progress:         snap.Progress,
		TimeRemaining:    snap.TimeRemaining,
		File:             snap.File,
		TempNozzle:       snap.TempNozzle,
		TempBed:          snap.TempBed,
		ErrorMessage:     snap.ErrorMessage,
		EjectionComplete: snap.EjectionComplete,
	}
}

// BedTemp reads the cached bed temperature.
func (m *Manager) BedTemp(name string) (float64, bool) {
	var s, ok = m.session(name)
	if !ok {
		return 0, false
	}
	var snap = s.Snapshot()
	if snap.LastReport.IsZero() {
		return 0, false
	}
	return snap.TempBed, true
}

// State reads the cached canonical state.
func (m *Manager) State(name string) (fleet.State, bool) {
	var s, ok = m.session(name)
	if !ok {
		return "", false
	}
	var snap = s.Snapshot()
	if snap.State == "" {
		return "", false
	}
	return snap.State, true
}

// EjectionComplete reports whether the printer acked the trailing M400 of
// its current ejection sequence.
func (m *Manager) EjectionComplete(name string) bool {
	var s, ok = m.session(name)
	if !ok {
		return false
	}
	return s.Snapshot().EjectionComplete
}

// Maintain checks session health once: sessions disconnected or silent
// past the staleness window are torn down and reconnected.
func (m *Manager) Maintain() {
	m.mu.Lock()
	var sessions = make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		var stale = !s.snap.LastReport.IsZero() && time.Since(s.snap.LastReport) > reportStaleAfter
		var closed = s.closed
		var client = s.client
		s.mu.Unlock()

		if closed {
			continue
		}
		var connected = client != nil && client.IsConnected()
		if connected && !stale {
			continue
		}
		log.WithFields(log.Fields{"printer": s.name, "connected": connected, "stale": stale}).
			Info("recycling printer session")
		if connected {
			client.Disconnect(250)
		}
		s.mu.Lock()
		s.reconnectAttempts = 0
		s.mu.Unlock()
		if err := s.connect(); err != nil {
			log.WithFields(log.Fields{"printer": s.name, "error": err}).Warn("session recycle failed")
		}
	}
}

// Close disconnects every session.
func (m *Manager) Close() {
	m.mu.Lock()
	var sessions = make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
