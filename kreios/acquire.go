package kreios

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/nsls-ii/kreios/prodigy"
)

// pollInterval is the acquisition status poll cadence
const pollInterval = 100 * time.Millisecond

// worker runs acquisition sessions to termination, one at a time.  It is
// the only goroutine that issues acquisition-phase protocol requests.
func (d *Driver) worker() {
	for range d.start {
		d.runSession()
		d.store.SetBool(ParamAcquire, false)
		d.store.SetBool(ParamPause, false)
		d.publishMsgCounter()
	}
}

// stopRequested drains and reports a pending user stop
func (d *Driver) stopRequested() bool {
	select {
	case <-d.stopReq:
		return true
	default:
		return false
	}
}

// fail marks the session as errored with a reason
func (d *Driver) fail(msg string) {
	logf("session error: %s", msg)
	d.setState(StateErrored, msg)
}

// runSession executes one acquisition: clear, define, validate, then
// iterate start/poll/read until every requested iteration completes or a
// terminal condition ends the session early.
func (d *Driver) runSession() {
	s := d.store
	d.setState(StateInitializing, "Executing pre-scan...")
	s.SetInt(ParamPercentComplete, 0)
	s.SetInt(ParamCurrentSample, 0)
	s.SetInt(ParamPercentCompleteIteration, 0)
	s.SetInt(ParamCurrentSampleIteration, 0)

	iterations := s.Int(ParamNumExposures)
	if iterations < 1 {
		iterations = 1
	}
	dwell := s.Float(ParamDwellTime)

	// reconcile the analyzer's channel count readback; the validated
	// ValuesPerSample wins if they disagree
	if n, err := d.c.GetParameterInt("NumNonEnergyChannels"); err == nil {
		s.SetInt(ParamNonEnergyChannels, n)
	}

	if err := d.c.ClearSpectrum(); err != nil {
		d.fail(fmt.Sprintf("clear failed: %v", err))
		return
	}

	mode := RunMode(s.Int(ParamRunMode))
	dm, err := d.defineAndValidate(mode, iterations)
	if err != nil {
		d.fail(fmt.Sprintf("%s definition rejected: %v", mode, err))
		return
	}
	if nec := s.Int(ParamNonEnergyChannels); nec != dm.V {
		logf("NumNonEnergyChannels=%d disagrees with validated ValuesPerSample=%d, trusting validation", nec, dm.V)
	}

	d.allocate(dm)
	d.setState(StateReady, "Spectrum validated")

	limiter := rate.NewLimiter(rate.Every(pollInterval), 1)
	ctx := context.Background()
	frameData, ok := d.runIterations(ctx, limiter, dm, iterations, dwell)
	if !ok {
		return
	}

	// clean completion
	d.setState(StateIdle, "Acquisition complete")
	s.SetInt(ParamPercentComplete, 100)
	s.SetInt(ParamPercentCompleteIteration, 100)
	d.publishFrame(dm, frameData)
}

// runIterations drives the iteration loop, returning the frame buffer and
// whether the session completed cleanly
func (d *Driver) runIterations(ctx context.Context, limiter *rate.Limiter, dm dims, iterations int, dwell float64) ([]float64, bool) {
	s := d.store
	safeAfter := s.Bool(ParamSafeState)
	frame := make([]float64, dm.total())

	for iteration := 0; iteration < iterations; iteration++ {
		// the accumulators, not the server, carry data across iterations
		if err := d.c.ClearSpectrum(); err != nil {
			d.fail(fmt.Sprintf("clear failed: %v", err))
			return nil, false
		}
		if err := d.c.Start(safeAfter); err != nil {
			d.fail(fmt.Sprintf("start rejected: %v", err))
			return nil, false
		}
		last := 0
		for {
			limiter.Wait(ctx)
			d.servicePause()

			st, err := d.c.Status()
			if err != nil {
				d.abortWith(fmt.Sprintf("status poll failed: %v", err))
				return nil, false
			}
			if st.AcquiredPoints > last {
				if last == 0 {
					d.firstData(dwell)
				}
				target := st.AcquiredPoints
				if max := last + prodigy.MaxValuesPerRead/dm.perSample(); target > max {
					target = max
				}
				values, err := d.c.ReadRange(last, target-1)
				if err != nil {
					d.abortWith(fmt.Sprintf("data read failed: %v", err))
					return nil, false
				}
				want := (target - last) * dm.perSample()
				if len(values) < want {
					d.abortWith(fmt.Sprintf("receive short: got %d of %d values", len(values), want))
					return nil, false
				}
				d.scatter(dm, iteration, last, target-last, values[:want], frame)
				last = target
			}

			d.publishProgress(dm, iteration, iterations, last, dwell)

			if d.stopRequested() {
				d.c.Abort()
				d.setState(StateAborted, "Acquisition aborted")
				return nil, false
			}
			if st.ControllerState == prodigy.StateAborted {
				d.setState(StateAborted, "Acquisition aborted by server")
				return nil, false
			}
			if st.ControllerState == prodigy.StateError {
				d.fail("server reported acquisition error")
				return nil, false
			}
			if st.Done() && last >= dm.S {
				break
			}
		}
	}
	return frame, true
}

// abortWith sends Abort and marks the session errored
func (d *Driver) abortWith(msg string) {
	d.c.Abort()
	d.fail(msg)
}

// servicePause carries out a pending pause or resume request.  Pause is
// best effort: if the server rejects it, the session remains running and
// the published flag is cleared.
func (d *Driver) servicePause() {
	var pause bool
	select {
	case pause = <-d.pausePend:
	default:
		return
	}
	if pause {
		if err := d.c.Pause(); err != nil {
			logf("pause rejected: %v", err)
			d.store.SetBool(ParamPause, false)
			return
		}
		d.store.SetBool(ParamPause, true)
		d.setState(StatePaused, "Acquisition paused")
		return
	}
	if err := d.c.Resume(); err != nil {
		logf("resume rejected: %v", err)
		return
	}
	d.store.SetBool(ParamPause, false)
	d.setState(StateAcquiring, "Acquiring data...")
}

// firstData runs once per iteration when the first samples become
// available: enter the acquiring state, give the server its data delay,
// and read the ordinate range of the new spectrum
func (d *Driver) firstData(dwell float64) {
	d.setState(StateAcquiring, "Acquiring data...")
	delay := d.store.Float(ParamDataDelayMax)
	if dwell < delay {
		delay = dwell
	}
	if delay > 0 {
		time.Sleep(time.Duration(delay * float64(time.Second)))
	}
	if min, max, units, err := d.c.OrdinateRange(); err == nil {
		d.store.SetFloat(ParamNonEnergyMin, min)
		d.store.SetFloat(ParamNonEnergyMax, max)
		d.store.SetString(ParamNonEnergyUnits, units)
	}
}

// allocate sizes the session accumulators: the integrated spectrum always,
// an image for 2-D (V>1, N=1), a volume for 3-D (V>1, N>1)
func (d *Driver) allocate(dm dims) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	d.dims = dm
	d.spectrum = make([]float64, dm.S)
	d.image = nil
	d.volume = nil
	if dm.V > 1 && dm.N == 1 {
		d.image = make([]float64, dm.S*dm.V)
	} else if dm.V > 1 && dm.N > 1 {
		d.volume = make([]float64, dm.S*dm.V*dm.N)
	}
	d.frame = nil
}

// scatter lands one chunk of the flat wire stream in the accumulators.
// The chunk covers samples [first, first+count) and carries, slice-major,
// count*V values per slice:
//
//	slice  = i / (count*V)
//	sample = first + (i % (count*V)) / V
//	pixel  = i % V
//
// The accumulators are wire-ordered over a whole iteration, so the value
// lands at flat index slice*S*V + sample*V + pixel (image: slice always 0).
// Iteration 0 assigns; later iterations add.  The integrated spectrum
// collects every value at its sample index.
func (d *Driver) scatter(dm dims, iteration, first, count int, values []float64, frame []float64) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	cv := count * dm.V
	for i, v := range values {
		sample := first + (i%cv)/dm.V
		switch {
		case d.volume != nil:
			f := (i/cv)*dm.S*dm.V + sample*dm.V + i%dm.V
			if iteration == 0 {
				d.volume[f] = v
				frame[f] = v
			} else {
				d.volume[f] += v
				frame[f] += v
			}
			d.spectrum[sample] += v
		case d.image != nil:
			f := sample*dm.V + i%dm.V
			if iteration == 0 {
				d.image[f] = v
				frame[f] = v
			} else {
				d.image[f] += v
				frame[f] += v
			}
			d.spectrum[sample] += v
		default:
			if iteration == 0 {
				d.spectrum[sample] = v
				frame[sample] = v
			} else {
				d.spectrum[sample] += v
				frame[sample] += v
			}
		}
	}
}

// publishProgress updates the per-iteration and overall progress readbacks
func (d *Driver) publishProgress(dm dims, iteration, iterations, last int, dwell float64) {
	s := d.store
	s.SetInt(ParamCurrentSampleIteration, last)
	s.SetInt(ParamPercentCompleteIteration, 100*last/dm.S)
	s.SetFloat(ParamRemainingTimeIteration, float64(dm.S-last)*dwell)

	total := dm.S * iterations
	cur := iteration*dm.S + last
	s.SetInt(ParamCurrentSample, cur)
	s.SetInt(ParamPercentComplete, 100*cur/total)
	s.SetFloat(ParamRemainingTime, float64(total-cur)*dwell)
}

// publishFrame stores the completed N-D detector frame and bumps the frame
// counter
func (d *Driver) publishFrame(dm dims, data []float64) {
	var fdims []int
	switch {
	case dm.V > 1 && dm.N > 1:
		fdims = []int{dm.S, dm.V, dm.N}
	case dm.V > 1:
		fdims = []int{dm.S, dm.V}
	default:
		fdims = []int{dm.S}
	}
	d.store.mu.Lock()
	id := d.store.ints[ParamFrameCounter] + 1
	d.frame = &Frame{ID: id, Dims: fdims, Data: data}
	d.store.mu.Unlock()
	d.store.SetInt(ParamFrameCounter, id)
}

// defineAndValidate emits the DefineSpectrum command for the selected run
// mode from the current scalar settings, then validates and records the
// resulting (S, V, N) shape.  Mode-specific keys are only sent for modes
// that use them: FRR carries RetardingRatio where FAT carries PassEnergy.
func (d *Driver) defineAndValidate(mode RunMode, iterations int) (dims, error) {
	s := d.store
	var (
		cmd  string
		args []prodigy.KV
	)
	energyRamp := []prodigy.KV{
		{Key: "StartEnergy", Val: s.Float(ParamStartEnergy)},
		{Key: "EndEnergy", Val: s.Float(ParamEndEnergy)},
		{Key: "StepWidth", Val: s.Float(ParamStepWidth)},
	}
	switch mode {
	case RunFAT, RunSFAT:
		cmd = prodigy.CmdDefineFAT
		if mode == RunSFAT {
			cmd = prodigy.CmdDefineSFAT
		}
		args = append(energyRamp,
			prodigy.KV{Key: "PassEnergy", Val: s.Float(ParamPassEnergy)},
			prodigy.KV{Key: "DwellTime", Val: s.Float(ParamDwellTime)})
	case RunFRR:
		cmd = prodigy.CmdDefineFRR
		args = append(energyRamp,
			prodigy.KV{Key: "RetardingRatio", Val: s.Float(ParamRetardingRatio)},
			prodigy.KV{Key: "DwellTime", Val: s.Float(ParamDwellTime)})
	case RunFE:
		cmd = prodigy.CmdDefineFE
		args = []prodigy.KV{
			{Key: "KineticEnergy", Val: s.Float(ParamKineticEnergy)},
			{Key: "PassEnergy", Val: s.Float(ParamPassEnergy)},
			{Key: "DwellTime", Val: s.Float(ParamDwellTime)},
			{Key: "Samples", Val: s.Int(ParamSampleCount)},
		}
	case RunLVS:
		cmd = prodigy.CmdDefineLVS
		args = []prodigy.KV{
			{Key: "DwellTime", Val: s.Float(ParamDwellTime)},
		}
	default:
		return dims{}, fmt.Errorf("invalid run mode %d", mode)
	}
	if lm := d.lensModeName(); lm != "" {
		args = append(args, prodigy.KV{Key: "LensMode", Val: lm})
	}
	if sr := d.scanRangeName(); sr != "" {
		args = append(args, prodigy.KV{Key: "ScanRange", Val: sr})
	}

	if _, err := d.c.Exchange(cmd, args...); err != nil {
		return dims{}, err
	}
	reply, err := d.c.Exchange(prodigy.CmdValidateSpectrum)
	if err != nil {
		return dims{}, err
	}

	dm := dims{
		S: reply.IntOr("Samples", 0),
		V: reply.IntOr("ValuesPerSample", 1),
		N: reply.IntOr("NumberOfSlices", 1),
	}
	if mode == RunSFAT {
		// snapshot mode: the sample count follows from the energy window
		// regardless of what validation reports
		start := s.Float(ParamStartEnergy)
		end := s.Float(ParamEndEnergy)
		step := s.Float(ParamStepWidth)
		dm.S = int(math.Floor((end-start)/step+0.5)) + 1
	}
	if dm.S < 1 || dm.V < 1 || dm.N < 1 {
		return dims{}, fmt.Errorf("validation returned degenerate shape %dx%dx%d", dm.S, dm.V, dm.N)
	}

	s.SetInt(ParamSamplesIteration, dm.S)
	s.SetInt(ParamSamples, dm.S*iterations)
	s.SetInt(ParamValuesPerSample, dm.V)
	s.SetInt(ParamNumSlices, dm.N)
	d.publishEnergyAxis(mode, dm.S)
	return dm, nil
}

// publishEnergyAxis records the energy value of each sample for the ramped
// modes, or the fixed kinetic energy for FE
func (d *Driver) publishEnergyAxis(mode RunMode, samples int) {
	axis := make([]float64, samples)
	switch mode {
	case RunFAT, RunSFAT, RunFRR:
		start := d.store.Float(ParamStartEnergy)
		step := d.store.Float(ParamStepWidth)
		for i := range axis {
			axis[i] = start + float64(i)*step
		}
	case RunFE:
		ke := d.store.Float(ParamKineticEnergy)
		for i := range axis {
			axis[i] = ke
		}
	default:
		for i := range axis {
			axis[i] = float64(i)
		}
	}
	d.store.mu.Lock()
	d.energy = axis
	d.store.mu.Unlock()
}
