/*Package kreios drives a SPECS KREIOS-150 momentum microscope through a
SpecsLab Prodigy server.

The driver is the acquisition orchestrator: user writes land in a Store,
a dedicated worker goroutine executes one acquisition session at a time
against the Prodigy protocol client, and 1-D/2-D/3-D results are published
back through the Store and array accessors.

KREIOS-150 data dimensionality:

	1D: integrated spectrum (energy axis only)
	2D: image (energy x detector pixels / momentum)
	3D: volume (slices x energy x pixels, depth profiling)
*/
package kreios

import (
	"fmt"
	"log"
	"time"

	"github.com/nsls-ii/kreios/prodigy"
)

// Published parameter names.  Scalar inputs are consumed at the next
// acquisition start; readbacks are written by the worker.
const (
	ParamConnected            = "Connected"
	ParamServerName           = "ServerName"
	ParamModel                = "Model"
	ParamProtocolVersionMajor = "ProtocolVersionMajor"
	ParamProtocolVersionMinor = "ProtocolVersionMinor"
	ParamMessageCounter       = "MessageCounter"

	ParamStartEnergy    = "StartEnergy"
	ParamEndEnergy      = "EndEnergy"
	ParamStepWidth      = "StepWidth"
	ParamPassEnergy     = "PassEnergy"
	ParamKineticEnergy  = "KineticEnergy"
	ParamRetardingRatio = "RetardingRatio"
	ParamDwellTime      = "DwellTime"
	ParamLensMode       = "LensMode"
	ParamScanRange      = "ScanRange"

	ParamRunMode       = "RunMode"
	ParamOperatingMode = "OperatingMode"
	ParamNumExposures  = "NumExposures"
	ParamSampleCount   = "SampleCount"
	ParamSafeState     = "SafeState"
	ParamDataDelayMax  = "DataDelayMax"

	ParamSamples           = "Samples"
	ParamSamplesIteration  = "SamplesIteration"
	ParamValuesPerSample   = "ValuesPerSample"
	ParamNumSlices         = "NumSlices"
	ParamNonEnergyChannels = "NonEnergyChannels"
	ParamNonEnergyUnits    = "NonEnergyUnits"
	ParamNonEnergyMin      = "NonEnergyMin"
	ParamNonEnergyMax      = "NonEnergyMax"

	ParamAcquire                  = "Acquire"
	ParamPause                    = "Pause"
	ParamCurrentSample            = "CurrentSample"
	ParamPercentComplete          = "PercentComplete"
	ParamRemainingTime            = "RemainingTime"
	ParamCurrentSampleIteration   = "CurrentSampleIteration"
	ParamPercentCompleteIteration = "PercentCompleteIteration"
	ParamRemainingTimeIteration   = "RemainingTimeIteration"
	ParamStatus                   = "Status"
	ParamStatusMessage            = "StatusMessage"
	ParamFrameCounter             = "FrameCounter"
)

// State is the acquisition controller state published on ParamStatus
type State int

// Controller states.  Finished, Aborted and Errored are terminal for a
// session; the next start re-enters Initializing.
const (
	StateDisconnected State = iota
	StateIdle
	StateInitializing
	StateReady
	StateAcquiring
	StatePaused
	StateFinished
	StateAborted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateIdle:
		return "Idle"
	case StateInitializing:
		return "Initializing"
	case StateReady:
		return "Ready"
	case StateAcquiring:
		return "Acquiring"
	case StatePaused:
		return "Paused"
	case StateFinished:
		return "Finished"
	case StateAborted:
		return "Aborted"
	case StateErrored:
		return "Error"
	}
	return "Unknown"
}

// RunMode selects the spectrum acquisition mode
type RunMode int

// The five spectrum acquisition modes of the analyzer
const (
	RunFAT RunMode = iota
	RunSFAT
	RunFRR
	RunFE
	RunLVS
)

// RunModes lists the run mode names in enum order
var RunModes = []string{"FAT", "SFAT", "FRR", "FE", "LVS"}

func (m RunMode) String() string {
	if int(m) < len(RunModes) {
		return RunModes[m]
	}
	return "invalid"
}

// OperatingModes lists the microscope operating modes in enum order
var OperatingModes = []string{"Spectroscopy", "Momentum", "PEEM"}

// Frame is a completed N-dimensional detector frame.  Dims is (S), (S, V)
// or (S, V, N); Data is the flat accumulator in wire order.
type Frame struct {
	ID   int
	Dims []int
	Data []float64
}

// Driver orchestrates acquisitions against one Prodigy server.  Create
// with New, then Connect.  One acquisition runs at a time; control methods
// are safe to call from any goroutine.
type Driver struct {
	c     *prodigy.Client
	store *Store

	lensModes  []string
	scanRanges []string

	start     chan struct{}
	stopReq   chan struct{} // closed-signal style is wrong here; single slot
	pausePend chan bool

	// session state, owned by the worker between start and termination
	dims      dims
	spectrum  []float64
	image     []float64
	volume    []float64
	energy    []float64
	frame     *Frame
	firstConn bool
}

// dims is the validated spectrum shape.  Data requests are indexed by
// energy sample, 0..S-1; a sample carries V values per slice, N slices.
type dims struct {
	S, V, N int
}

// total is the number of values one iteration delivers
func (d dims) total() int { return d.S * d.V * d.N }

// perSample is the number of values one sample index carries
func (d dims) perSample() int { return d.V * d.N }

// New creates a Driver for the Prodigy server at addr (host:port)
func New(addr string) *Driver {
	d := &Driver{
		c:         prodigy.NewClient(addr),
		store:     NewStore(),
		start:     make(chan struct{}, 1),
		stopReq:   make(chan struct{}, 1),
		pausePend: make(chan bool, 1),
		firstConn: true,
	}
	d.c.SetBusyCheck(d.acquiring)
	s := d.store
	s.SetInt(ParamNumExposures, 1)
	s.SetInt(ParamSampleCount, 1)
	s.SetInt(ParamValuesPerSample, 1)
	s.SetInt(ParamNumSlices, 1)
	s.SetInt(ParamNonEnergyChannels, 1)
	s.SetBool(ParamSafeState, true)
	s.SetFloat(ParamDataDelayMax, 5.0)
	s.SetFloat(ParamDwellTime, 0.1)
	d.setState(StateDisconnected, "Not connected")
	go d.worker()
	return d
}

// Store exposes the published parameter store
func (d *Driver) Store() *Store { return d.store }

// Client exposes the underlying protocol client
func (d *Driver) Client() *prodigy.Client { return d.c }

// acquiring reports whether a session is active (initializing, ready,
// acquiring or paused); analyzer parameter writes are refused while it is
func (d *Driver) acquiring() bool {
	st := State(d.store.Int(ParamStatus))
	return st == StateAcquiring || st == StatePaused || st == StateInitializing || st == StateReady
}

func (d *Driver) setState(st State, msg string) {
	d.store.SetInt(ParamStatus, int(st))
	d.store.SetString(ParamStatusMessage, msg)
}

// State returns the current controller state
func (d *Driver) State() State {
	return State(d.store.Int(ParamStatus))
}

// Connect dials the Prodigy server and performs first-connection setup:
// visible name, parameter enumeration, and the lens mode and scan range
// option lists.  The server allows exactly one client, so Connect while
// connected is a no-op.
func (d *Driver) Connect() error {
	if d.c.Connected() {
		return nil
	}
	if err := d.c.Connect(); err != nil {
		d.setState(StateDisconnected, err.Error())
		return err
	}
	s := d.store
	s.SetBool(ParamConnected, true)
	s.SetString(ParamServerName, d.c.ServerName())
	major, minor := d.c.ProtocolVersion()
	s.SetInt(ParamProtocolVersionMajor, major)
	s.SetInt(ParamProtocolVersionMinor, minor)

	if d.firstConn {
		if name, err := d.c.VisibleName(); err == nil && name != "" {
			s.SetString(ParamModel, name)
		}
		if _, err := d.c.EnumerateParameters(); err != nil {
			d.setState(StateErrored, fmt.Sprintf("parameter enumeration failed: %v", err))
			return err
		}
		if n, err := d.c.GetParameterInt("NumNonEnergyChannels"); err == nil {
			s.SetInt(ParamNonEnergyChannels, n)
		}
		if modes, err := d.c.SpectrumParameterValues("LensMode"); err == nil {
			d.lensModes = modes
		}
		if ranges, err := d.c.SpectrumParameterValues("ScanRange"); err == nil {
			d.scanRanges = ranges
		}
		d.firstConn = false
	}
	d.publishMsgCounter()
	d.setState(StateIdle, "Connected to "+d.c.ServerName())
	return nil
}

// Disconnect closes the connection.  A stop is requested for a running
// acquisition first; Disconnect does not wait for the session to end.
func (d *Driver) Disconnect() error {
	if d.acquiring() {
		d.StopAcquisition()
	}
	err := d.c.Disconnect()
	d.store.SetBool(ParamConnected, false)
	d.setState(StateDisconnected, "Disconnected")
	return err
}

// LensModes returns the legal lens mode names read from the server
func (d *Driver) LensModes() []string { return d.lensModes }

// ScanRanges returns the legal scan range names read from the server
func (d *Driver) ScanRanges() []string { return d.scanRanges }

// StartAcquisition begins a new session with the current scalar settings.
// It is a no-op while a session is active.
func (d *Driver) StartAcquisition() {
	if d.acquiring() {
		return
	}
	d.store.SetBool(ParamAcquire, true)
	// drain a stale stop request from a previous session
	select {
	case <-d.stopReq:
	default:
	}
	select {
	case d.start <- struct{}{}:
	default:
	}
}

// StopAcquisition requests abort of the active session.  Idempotent.
func (d *Driver) StopAcquisition() {
	d.store.SetBool(ParamAcquire, false)
	select {
	case d.stopReq <- struct{}{}:
	default:
	}
}

// SetPaused requests Prodigy-side pause (true) or resume (false).  The
// request is carried out by the worker at the next poll; if the server
// rejects it the published pause flag is cleared and the session remains
// running.
func (d *Driver) SetPaused(pause bool) {
	if !d.acquiring() {
		return
	}
	select {
	case d.pausePend <- pause:
	default:
	}
}

// SafeState drives the analyzer voltages to their safe values.  Refused
// while a session is active.
func (d *Driver) SafeState() error {
	if d.acquiring() {
		return prodigy.ErrAcquisitionBusy
	}
	return d.c.SetSafeState()
}

// Spectrum returns a copy of the 1-D integrated spectrum accumulated so far
func (d *Driver) Spectrum() []float64 {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	return append([]float64(nil), d.spectrum...)
}

// Image returns a copy of the 2-D accumulator, or nil when the session is
// not 2-D
func (d *Driver) Image() []float64 {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	return append([]float64(nil), d.image...)
}

// Volume returns a copy of the 3-D accumulator, or nil when the session is
// not 3-D
func (d *Driver) Volume() []float64 {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	return append([]float64(nil), d.volume...)
}

// EnergyAxis returns a copy of the energy value per sample of the last
// validated spectrum
func (d *Driver) EnergyAxis() []float64 {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	return append([]float64(nil), d.energy...)
}

// Frame returns the last completed N-D detector frame, or nil if none has
// completed yet
func (d *Driver) Frame() *Frame {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	return d.frame
}

// Dims returns the validated (samples, values per sample, slices) triple
func (d *Driver) Dims() (S, V, N int) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	return d.dims.S, d.dims.V, d.dims.N
}

func (d *Driver) publishMsgCounter() {
	d.store.SetInt(ParamMessageCounter, int(d.c.Exchanges()))
}

// lensModeName returns the wire token for the lens mode index currently
// selected, or "" when the index is out of range
func (d *Driver) lensModeName() string {
	i := d.store.Int(ParamLensMode)
	if i >= 0 && i < len(d.lensModes) {
		return d.lensModes[i]
	}
	return ""
}

func (d *Driver) scanRangeName() string {
	i := d.store.Int(ParamScanRange)
	if i >= 0 && i < len(d.scanRanges) {
		return d.scanRanges[i]
	}
	return ""
}

// waitIdle blocks until the driver leaves active acquisition states or the
// deadline passes.  Intended for tests and shutdown paths.
func (d *Driver) waitIdle(deadline time.Duration) bool {
	t := time.NewTimer(deadline)
	defer t.Stop()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-t.C:
			return false
		case <-tick.C:
			if !d.acquiring() {
				return true
			}
		}
	}
}

// logf writes a driver-tagged log line
func logf(format string, args ...interface{}) {
	log.Printf("kreios: "+format, args...)
}
