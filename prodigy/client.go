package prodigy

import (
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nsls-ii/kreios/comm"
)

const (
	// DefaultPort is the TCP port Prodigy listens on
	DefaultPort = 7010

	// DefaultTimeout bounds every request-reply exchange
	DefaultTimeout = 10 * time.Second

	// MaxValuesPerRead caps the number of doubles requested in a single
	// GetAcquisitionData exchange
	MaxValuesPerRead = 1000000
)

// ParamType is the value type the server declares for an analyzer parameter
type ParamType int

// The four value types of the Remote In protocol
const (
	TypeDouble ParamType = iota
	TypeInteger
	TypeString
	TypeBool
)

func (t ParamType) String() string {
	switch t {
	case TypeDouble:
		return "double"
	case TypeInteger:
		return "integer"
	case TypeString:
		return "string"
	case TypeBool:
		return "bool"
	}
	return "unknown"
}

func parseParamType(s string) (ParamType, error) {
	switch s {
	case "double":
		return TypeDouble, nil
	case "integer":
		return TypeInteger, nil
	case "string":
		return TypeString, nil
	case "bool":
		return TypeBool, nil
	}
	return 0, fmt.Errorf("unknown parameter value type %q", s)
}

// Parameter is one analyzer parameter mirrored from the server.  Names may
// contain spaces and bracketed units, e.g. "Maximum Count Rate [kcps]", and
// are compared exactly.  The type is fixed for the life of a session.
type Parameter struct {
	Name  string
	Type  ParamType
	Unit  string
	Value string
}

// AcquisitionStatus is the reply to GetAcquisitionStatus.  ControllerState
// is lowercased; servers disagree on capitalization.
type AcquisitionStatus struct {
	ControllerState string
	AcquiredPoints  int
	ElapsedTime     float64
}

// Controller states reported by the server
const (
	StateIdle      = "idle"
	StateRunning   = "running"
	StatePaused    = "paused"
	StateFinished  = "finished"
	StateCompleted = "completed"
	StateAborted   = "aborted"
	StateError     = "error"
)

// Done reports whether the controller has finished delivering data
func (s AcquisitionStatus) Done() bool {
	return s.ControllerState == StateFinished || s.ControllerState == StateCompleted
}

// Client speaks the Remote In protocol over a single TCP connection.  All
// exchanges serialize through an internal mutex: the server permits one
// request in flight at a time.  Clients must be created with NewClient.
type Client struct {
	mu      sync.Mutex
	pool    *comm.Pool
	raw     io.ReadWriter // the leased pool connection, for return
	conn    *comm.Timeout // terminator+timeout wrapped connection
	timeout time.Duration

	nextID    uint16
	connected bool
	exchanges uint64

	serverName string
	protoMajor int
	protoMinor int

	// busy is consulted before parameter sets; the acquisition orchestrator
	// installs it so writes are refused while running or paused
	busy func() bool

	params map[string]*Parameter
	names  []string
}

// NewClient returns a Client that will dial addr (host:port) on Connect
func NewClient(addr string) *Client {
	maker := comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	return &Client{
		pool:    comm.NewPool(1, time.Hour, maker),
		timeout: DefaultTimeout,
		params:  map[string]*Parameter{},
	}
}

// SetTimeout changes the per-exchange timeout from DefaultTimeout
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// SetBusyCheck installs the callback consulted before parameter writes
func (c *Client) SetBusyCheck(f func() bool) {
	c.mu.Lock()
	c.busy = f
	c.mu.Unlock()
}

// Connected reports whether a connection is established
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ServerName returns the name the server reported at Connect
func (c *Client) ServerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverName
}

// ProtocolVersion returns the (major, minor) protocol version reported at
// Connect
func (c *Client) ProtocolVersion() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protoMajor, c.protoMinor
}

// Exchanges returns the number of protocol exchanges issued since creation
func (c *Client) Exchanges() uint64 {
	return atomic.LoadUint64(&c.exchanges)
}

// Connect establishes the TCP connection and performs the Connect handshake.
// The server permits a single client; a second Connect while established is
// an error.  Servers with a protocol major version other than 1 are refused.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return fmt.Errorf("already connected to %s", c.serverName)
	}
	raw, err := c.pool.Get()
	if err != nil {
		return err
	}
	term := comm.NewTerminator(raw, '\n', '\n')
	conn, err := comm.NewTimeout(term, c.timeout)
	if err != nil {
		c.pool.Destroy(raw)
		return err
	}
	c.raw = raw
	c.conn = conn

	reply, err := c.exchange(CmdConnect, nil)
	if err != nil {
		c.dropConn()
		return err
	}
	c.serverName = reply.Fields["ServerName"]
	major, minor := parseVersion(reply.Fields["ProtocolVersion"])
	c.protoMajor, c.protoMinor = major, minor
	if major != 1 {
		c.exchange(CmdDisconnect, nil)
		c.dropConn()
		return WrongProtocolError{Major: major, Minor: minor}
	}
	c.connected = true
	return nil
}

// Disconnect sends Disconnect and closes the connection
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	_, err := c.exchange(CmdDisconnect, nil)
	c.dropConn()
	return err
}

// dropConn releases the leased connection; callers hold c.mu
func (c *Client) dropConn() {
	if c.raw != nil {
		c.pool.Destroy(c.raw)
	}
	c.raw = nil
	c.conn = nil
	c.connected = false
}

func parseVersion(s string) (int, int) {
	maj, min, found := strings.Cut(s, ".")
	if !found {
		maj = s
	}
	major, _ := strconv.Atoi(maj)
	minor, _ := strconv.Atoi(min)
	return major, minor
}

// Exchange issues one request and returns the parsed OK reply.  It is the
// single entry point for all protocol traffic and enforces one request in
// flight.  An Error reply surfaces as a ServerError; transport failures
// other than timeouts drop the connection.
func (c *Client) Exchange(cmd string, args ...KV) (Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return Reply{}, ErrNotConnected
	}
	return c.exchange(cmd, args)
}

// exchange does the work of Exchange; callers hold c.mu
func (c *Client) exchange(cmd string, args []KV) (Reply, error) {
	if c.conn == nil {
		return Reply{}, ErrNotConnected
	}
	c.nextID++ // wraps; IDs need only be unique among in-flight requests
	id := c.nextID
	atomic.AddUint64(&c.exchanges, 1)

	line := formatRequest(id, cmd, args)
	if _, err := io.WriteString(c.conn, line); err != nil {
		c.dropConn()
		return Reply{}, fmt.Errorf("writing %s request: %w", cmd, err)
	}

	// a stale reply to a previously timed-out request may arrive first;
	// discard by ID mismatch and keep reading
	for {
		buf, err := c.conn.ReadLine()
		if err != nil {
			if IsTimeout(err) {
				// connection may still be usable; the eventual reply is
				// discarded by ID mismatch on the next exchange
				return Reply{}, fmt.Errorf("%s timed out: %w", cmd, err)
			}
			c.dropConn()
			return Reply{}, fmt.Errorf("reading %s reply: %w", cmd, err)
		}
		reply, err := parseReply(string(buf))
		if ferr, ok := err.(FramingError); ok {
			log.Printf("prodigy: dropping connection on malformed reply %q", ferr.Line)
			c.dropConn()
			return Reply{}, ferr
		}
		if reply.ID != id {
			log.Printf("prodigy: discarding stale reply %04X (in flight: %04X)", reply.ID, id)
			continue
		}
		return reply, err
	}
}

// EnumerateParameters builds the parameter mirror: the full name list, then
// the declared type and unit of each.  The driver calls it at its first
// connection; the enumeration cost is paid up front so later sets can be
// validated.
func (c *Client) EnumerateParameters() ([]string, error) {
	reply, err := c.Exchange(CmdGetAllParamNames)
	if err != nil {
		return nil, err
	}
	names := ParseStringList(reply.Fields["ParameterNames"])
	params := make(map[string]*Parameter, len(names))
	for _, name := range names {
		info, err := c.Exchange(CmdGetParamInfo, KV{"Name", name})
		if err != nil {
			return nil, fmt.Errorf("reading info for %q: %w", name, err)
		}
		typ, err := parseParamType(info.Fields["ValueType"])
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		p := &Parameter{Name: name, Type: typ, Unit: info.Fields["Unit"]}
		if val, err := c.Exchange(CmdGetParamValue, KV{"Name", name}); err == nil {
			p.Value = val.Fields["Value"]
		}
		params[name] = p
	}
	c.mu.Lock()
	c.params = params
	c.names = names
	c.mu.Unlock()
	return names, nil
}

// ParameterNames returns the mirrored names in enumeration order
func (c *Client) ParameterNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// ParameterInfo returns the mirrored parameter, if known
func (c *Client) ParameterInfo(name string) (Parameter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.params[name]
	if !ok {
		return Parameter{}, false
	}
	return *p, true
}

// getParameter reads a parameter's current value and refreshes the cache
func (c *Client) getParameter(name string) (string, error) {
	reply, err := c.Exchange(CmdGetParamValue, KV{"Name", name})
	if err != nil {
		return "", err
	}
	v := reply.Fields["Value"]
	c.mu.Lock()
	if p, ok := c.params[name]; ok {
		p.Value = v
	}
	c.mu.Unlock()
	return v, nil
}

// GetParameterFloat reads a double-typed analyzer parameter
func (c *Client) GetParameterFloat(name string) (float64, error) {
	s, err := c.getParameter(name)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}

// GetParameterInt reads an integer-typed analyzer parameter
func (c *Client) GetParameterInt(name string) (int, error) {
	s, err := c.getParameter(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}

// GetParameterBool reads a bool-typed analyzer parameter
func (c *Client) GetParameterBool(name string) (bool, error) {
	s, err := c.getParameter(name)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(strings.ToLower(s))
}

// GetParameterString reads a string-typed analyzer parameter
func (c *Client) GetParameterString(name string) (string, error) {
	return c.getParameter(name)
}

// SetParameter writes an analyzer parameter and re-reads it, so the cache
// always reflects what the server accepted.  Sets are refused while an
// acquisition is running or paused, and when the value type does not match
// the type the server declared at enumeration.
func (c *Client) SetParameter(name string, value interface{}) error {
	c.mu.Lock()
	if c.busy != nil && c.busy() {
		c.mu.Unlock()
		return ErrAcquisitionBusy
	}
	p, known := c.params[name]
	c.mu.Unlock()
	if !known {
		return UnknownParameterError{Name: name}
	}
	if err := checkType(p, value); err != nil {
		return err
	}
	_, err := c.Exchange(CmdSetParamValue, KV{"Name", name}, KV{"Value", value})
	if err != nil {
		return err
	}
	// write-through read-back
	_, err = c.getParameter(name)
	return err
}

func checkType(p *Parameter, value interface{}) error {
	var want ParamType
	switch value.(type) {
	case float64, float32:
		want = TypeDouble
	case int:
		want = TypeInteger
	case bool:
		want = TypeBool
	case string:
		want = TypeString
	default:
		return fmt.Errorf("cannot send %T as an analyzer parameter", value)
	}
	if p.Type != want {
		return WrongTypeError{Name: p.Name, Have: p.Type, Want: want}
	}
	return nil
}

// VisibleName asks the server for the analyzer's display name
func (c *Client) VisibleName() (string, error) {
	reply, err := c.Exchange(CmdGetVisibleName)
	if err != nil {
		return "", err
	}
	return reply.Fields["VisibleName"], nil
}

// SpectrumParameterValues returns the legal values of an enumerated spectrum
// parameter such as LensMode or ScanRange
func (c *Client) SpectrumParameterValues(name string) ([]string, error) {
	reply, err := c.Exchange(CmdGetSpectrumParam, KV{"Name", name})
	if err != nil {
		return nil, err
	}
	return ParseStringList(reply.Fields["Values"]), nil
}

// OrdinateRange reads the non-energy axis range and units of the current
// spectrum via GetSpectrumDataInfo
func (c *Client) OrdinateRange() (min, max float64, units string, err error) {
	reply, err := c.Exchange(CmdGetSpectrumData, KV{"Name", "OrdinateRange"})
	if err != nil {
		return 0, 0, "", err
	}
	min, _ = reply.Float("Min")
	max, _ = reply.Float("Max")
	return min, max, reply.Fields["Units"], nil
}

// ClearSpectrum discards server-side spectrum data and definition state
func (c *Client) ClearSpectrum() error {
	_, err := c.Exchange(CmdClearSpectrum)
	return err
}

// Start begins an acquisition of the validated spectrum.  safeAfter asks
// the server to drive the analyzer to its safe state when the acquisition
// ends.
func (c *Client) Start(safeAfter bool) error {
	_, err := c.Exchange(CmdStart, KV{"SafeAfter", safeAfter})
	return err
}

// Pause asks the server to pause the running acquisition
func (c *Client) Pause() error {
	_, err := c.Exchange(CmdPause)
	return err
}

// Resume asks the server to resume a paused acquisition
func (c *Client) Resume() error {
	_, err := c.Exchange(CmdResume)
	return err
}

// Abort cancels the running or paused acquisition
func (c *Client) Abort() error {
	_, err := c.Exchange(CmdAbort)
	return err
}

// SetSafeState drives the analyzer voltages to their safe values
func (c *Client) SetSafeState() error {
	_, err := c.Exchange(CmdSetSafeState)
	return err
}

// Status polls the acquisition controller.  An Error reply is returned as a
// ServerError, carrying the server's code and message, like any other
// exchange.
func (c *Client) Status() (AcquisitionStatus, error) {
	reply, err := c.Exchange(CmdGetAcqStatus)
	if err != nil {
		return AcquisitionStatus{}, err
	}
	st := AcquisitionStatus{
		ControllerState: strings.ToLower(reply.Fields["ControllerState"]),
		AcquiredPoints:  reply.IntOr("NumberOfAcquiredPoints", 0),
	}
	if st.ControllerState == "" {
		// some server builds report ControllerStatus instead
		st.ControllerState = strings.ToLower(reply.Fields["ControllerStatus"])
	}
	st.ElapsedTime, _ = reply.Float("ElapsedTime")
	return st, nil
}

// ReadRange fetches samples [from, to] (inclusive, in sample indices) of
// the current iteration and parses the flat double sequence.  Malformed
// elements are skipped, so the result may be short; the caller decides what
// a short read means.  The caller is responsible for keeping the request
// under MaxValuesPerRead doubles.
func (c *Client) ReadRange(from, to int) ([]float64, error) {
	reply, err := c.Exchange(CmdGetAcqData, KV{"FromIndex", from}, KV{"ToIndex", to})
	if err != nil {
		return nil, err
	}
	return ParseFloatArray(reply.Fields["Data"]), nil
}
