package config

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/presscal/presscal/pkg/calibration"
	"github.com/presscal/presscal/pkg/control"
	"github.com/presscal/presscal/pkg/sensor"
	"github.com/presscal/presscal/pkg/utils/ptr"
)

var defaultFileConfig = &RawFileConfig{
	// PI control.
	Kp:               ptr.To(0.010),
	Ki:               ptr.To(0.00071),
	DtPi:             ptr.To(0.05),
	UMin:             ptr.To(0.0),
	UMax:             ptr.To(1.0),
	UFf:              ptr.To(0.38),
	DeadbandKPa:      ptr.To(1.0),
	IDecayInDeadband: ptr.To(0.97),
	PFiltAlpha:       ptr.To(1.0), // 1.0 = no filter

	// Sequence.
	DUTChannel:       ptr.To(string(calibration.DUTChannelCurrent)),
	Direction:        ptr.To(string(calibration.DirectionUp)),
	PointCount:       ptr.To(5),
	PMinKPa:          ptr.To(0.0),
	PMaxKPa:          ptr.To(200.0),
	SigMin:           ptr.To(4.0),
	SigMax:           ptr.To(20.0),
	VentSettleS:      ptr.To(2.0),
	SettleTimeS:      ptr.To(5.0),
	SettleTimeMaxS:   ptr.To(10.0),
	InbandUpS:        ptr.To(1.5),
	InbandDownS:      ptr.To(1.5),
	ValveCloseDelayS: ptr.To(0.5),

	// Safety.
	PMaxSafetyKPa: ptr.To(230.0),
	PMinSafetyKPa: ptr.To(-5.0),

	// Measurement burst.
	NSamplesMeasure:  ptr.To(50),
	SampleDtMeasureS: ptr.To(0.01),

	// MPX5500DP reference sensor.
	MpxA2:     ptr.To(0.27334322),
	MpxB2:     ptr.To(106.390322),
	MpxC2:     ptr.To(-22.167571),
	Use2Pt:    ptr.To(true),
	Gain2Pt:   ptr.To(1.0150102699300843),
	Offset2Pt: ptr.To(0.0),

	// DUT input calibrations.
	A0VinGain:   ptr.To(3.235548),
	A0VinOffset: ptr.To(0.003870),
	A1ImaGain:   ptr.To(4.945630),
	A1ImaOffset: ptr.To(4.038358),

	// ADC plausibility window (single-ended on the Pi is 0..3.3 V).
	VadcMinOk: ptr.To(0.0),
	VadcMaxOk: ptr.To(3.35),

	// ADS1115 channel mapping.
	RefChannel:     ptr.To(2),
	VoltageChannel: ptr.To(0),
	CurrentChannel: ptr.To(1),

	LoopIntervalMs: ptr.To(50),
	DataDir:        ptr.To("data"),
}

var _ Config = &File{}

// File is a JSON-file-backed Config.
type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

// NewFile loads (or initializes) the configuration at configPath.
func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	if err := f.Load(); err != nil {
		return nil, err
	}
	return f, nil
}

// NewFileFromConfig wraps an already-parsed raw config, mainly for tests.
func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}
	return &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}
}

// RawFileConfig is the on-disk representation. Every field is optional;
// missing fields fall back to the rig defaults. It doubles as the partial
// update payload of the config API.
type RawFileConfig struct {
	Kp               *float64 `json:"kp,omitempty"`
	Ki               *float64 `json:"ki,omitempty"`
	DtPi             *float64 `json:"dtPi,omitempty"`
	UMin             *float64 `json:"uMin,omitempty"`
	UMax             *float64 `json:"uMax,omitempty"`
	UFf              *float64 `json:"uFf,omitempty"`
	DeadbandKPa      *float64 `json:"deadbandKPa,omitempty"`
	IDecayInDeadband *float64 `json:"iDecayInDeadband,omitempty"`
	PFiltAlpha       *float64 `json:"pFiltAlpha,omitempty"`

	DUTChannel       *string  `json:"dutChannel,omitempty"`
	Direction        *string  `json:"direction,omitempty"`
	PointCount       *int     `json:"pointCount,omitempty"`
	PMinKPa          *float64 `json:"pMinKPa,omitempty"`
	PMaxKPa          *float64 `json:"pMaxKPa,omitempty"`
	SigMin           *float64 `json:"sigMin,omitempty"`
	SigMax           *float64 `json:"sigMax,omitempty"`
	VentSettleS      *float64 `json:"ventSettleS,omitempty"`
	SettleTimeS      *float64 `json:"settleTimeS,omitempty"`
	SettleTimeMaxS   *float64 `json:"settleTimeMaxS,omitempty"`
	InbandUpS        *float64 `json:"inbandUpS,omitempty"`
	InbandDownS      *float64 `json:"inbandDownS,omitempty"`
	ValveCloseDelayS *float64 `json:"valveCloseDelayS,omitempty"`

	PMaxSafetyKPa *float64 `json:"pMaxSafetyKPa,omitempty"`
	PMinSafetyKPa *float64 `json:"pMinSafetyKPa,omitempty"`

	NSamplesMeasure  *int     `json:"nSamplesMeasure,omitempty"`
	SampleDtMeasureS *float64 `json:"sampleDtMeasureS,omitempty"`

	MpxA2     *float64 `json:"mpxA2,omitempty"`
	MpxB2     *float64 `json:"mpxB2,omitempty"`
	MpxC2     *float64 `json:"mpxC2,omitempty"`
	Use2Pt    *bool    `json:"use2pt,omitempty"`
	Gain2Pt   *float64 `json:"gain2pt,omitempty"`
	Offset2Pt *float64 `json:"offset2pt,omitempty"`

	A0VinGain   *float64 `json:"a0VinGain,omitempty"`
	A0VinOffset *float64 `json:"a0VinOffset,omitempty"`
	A1ImaGain   *float64 `json:"a1ImaGain,omitempty"`
	A1ImaOffset *float64 `json:"a1ImaOffset,omitempty"`

	VadcMinOk *float64 `json:"vadcMinOk,omitempty"`
	VadcMaxOk *float64 `json:"vadcMaxOk,omitempty"`

	RefChannel     *int `json:"refChannel,omitempty"`
	VoltageChannel *int `json:"voltageChannel,omitempty"`
	CurrentChannel *int `json:"currentChannel,omitempty"`

	LoopIntervalMs *int    `json:"loopIntervalMs,omitempty"`
	DataDir        *string `json:"dataDir,omitempty"`
}

// Merge overwrites c's fields with the non-nil fields of o.
func (c *RawFileConfig) Merge(o *RawFileConfig) {
	if o == nil {
		return
	}
	mergeF := func(dst **float64, src *float64) {
		if src != nil {
			*dst = ptr.To(*src)
		}
	}
	mergeI := func(dst **int, src *int) {
		if src != nil {
			*dst = ptr.To(*src)
		}
	}
	mergeS := func(dst **string, src *string) {
		if src != nil {
			*dst = ptr.To(*src)
		}
	}
	mergeB := func(dst **bool, src *bool) {
		if src != nil {
			*dst = ptr.To(*src)
		}
	}

	mergeF(&c.Kp, o.Kp)
	mergeF(&c.Ki, o.Ki)
	mergeF(&c.DtPi, o.DtPi)
	mergeF(&c.UMin, o.UMin)
	mergeF(&c.UMax, o.UMax)
	mergeF(&c.UFf, o.UFf)
	mergeF(&c.DeadbandKPa, o.DeadbandKPa)
	mergeF(&c.IDecayInDeadband, o.IDecayInDeadband)
	mergeF(&c.PFiltAlpha, o.PFiltAlpha)

	mergeS(&c.DUTChannel, o.DUTChannel)
	mergeS(&c.Direction, o.Direction)
	mergeI(&c.PointCount, o.PointCount)
	mergeF(&c.PMinKPa, o.PMinKPa)
	mergeF(&c.PMaxKPa, o.PMaxKPa)
	mergeF(&c.SigMin, o.SigMin)
	mergeF(&c.SigMax, o.SigMax)
	mergeF(&c.VentSettleS, o.VentSettleS)
	mergeF(&c.SettleTimeS, o.SettleTimeS)
	mergeF(&c.SettleTimeMaxS, o.SettleTimeMaxS)
	mergeF(&c.InbandUpS, o.InbandUpS)
	mergeF(&c.InbandDownS, o.InbandDownS)
	mergeF(&c.ValveCloseDelayS, o.ValveCloseDelayS)

	mergeF(&c.PMaxSafetyKPa, o.PMaxSafetyKPa)
	mergeF(&c.PMinSafetyKPa, o.PMinSafetyKPa)

	mergeI(&c.NSamplesMeasure, o.NSamplesMeasure)
	mergeF(&c.SampleDtMeasureS, o.SampleDtMeasureS)

	mergeF(&c.MpxA2, o.MpxA2)
	mergeF(&c.MpxB2, o.MpxB2)
	mergeF(&c.MpxC2, o.MpxC2)
	mergeB(&c.Use2Pt, o.Use2Pt)
	mergeF(&c.Gain2Pt, o.Gain2Pt)
	mergeF(&c.Offset2Pt, o.Offset2Pt)

	mergeF(&c.A0VinGain, o.A0VinGain)
	mergeF(&c.A0VinOffset, o.A0VinOffset)
	mergeF(&c.A1ImaGain, o.A1ImaGain)
	mergeF(&c.A1ImaOffset, o.A1ImaOffset)

	mergeF(&c.VadcMinOk, o.VadcMinOk)
	mergeF(&c.VadcMaxOk, o.VadcMaxOk)

	mergeI(&c.RefChannel, o.RefChannel)
	mergeI(&c.VoltageChannel, o.VoltageChannel)
	mergeI(&c.CurrentChannel, o.CurrentChannel)

	mergeI(&c.LoopIntervalMs, o.LoopIntervalMs)
	mergeS(&c.DataDir, o.DataDir)
}

func valF(v, def *float64) float64 {
	if v != nil {
		return *v
	}
	return *def
}

func valI(v, def *int) int {
	if v != nil {
		return *v
	}
	return *def
}

func valS(v, def *string) string {
	if v != nil {
		return *v
	}
	return *def
}

func valB(v, def *bool) bool {
	if v != nil {
		return *v
	}
	return *def
}

// BuildRun materializes a validated Run snapshot from the raw fields,
// falling back to the rig defaults for anything unset.
func (c *RawFileConfig) BuildRun() (Run, error) {
	d := defaultFileConfig
	r := Run{
		Controller: control.PIConfig{
			Kp:               valF(c.Kp, d.Kp),
			Ki:               valF(c.Ki, d.Ki),
			Dt:               valF(c.DtPi, d.DtPi),
			UMin:             valF(c.UMin, d.UMin),
			UMax:             valF(c.UMax, d.UMax),
			UFf:              valF(c.UFf, d.UFf),
			DeadbandKPa:      valF(c.DeadbandKPa, d.DeadbandKPa),
			IDecayInDeadband: valF(c.IDecayInDeadband, d.IDecayInDeadband),
			PFiltAlpha:       valF(c.PFiltAlpha, d.PFiltAlpha),
		},
		Coefficients: sensor.Coefficients{
			A2:        valF(c.MpxA2, d.MpxA2),
			B2:        valF(c.MpxB2, d.MpxB2),
			C2:        valF(c.MpxC2, d.MpxC2),
			Use2Pt:    valB(c.Use2Pt, d.Use2Pt),
			Gain2Pt:   valF(c.Gain2Pt, d.Gain2Pt),
			Offset2Pt: valF(c.Offset2Pt, d.Offset2Pt),
			Voltage: sensor.LinearCal{
				Gain:   valF(c.A0VinGain, d.A0VinGain),
				Offset: valF(c.A0VinOffset, d.A0VinOffset),
			},
			Current: sensor.LinearCal{
				Gain:   valF(c.A1ImaGain, d.A1ImaGain),
				Offset: valF(c.A1ImaOffset, d.A1ImaOffset),
			},
			VADCMinOK: valF(c.VadcMinOk, d.VadcMinOk),
			VADCMaxOK: valF(c.VadcMaxOk, d.VadcMaxOk),
		},

		RefChannel:     valI(c.RefChannel, d.RefChannel),
		VoltageChannel: valI(c.VoltageChannel, d.VoltageChannel),
		CurrentChannel: valI(c.CurrentChannel, d.CurrentChannel),

		DUTChannel: calibration.DUTChannel(valS(c.DUTChannel, d.DUTChannel)),
		Direction:  calibration.Direction(valS(c.Direction, d.Direction)),
		PointCount: valI(c.PointCount, d.PointCount),

		PMinKPa: valF(c.PMinKPa, d.PMinKPa),
		PMaxKPa: valF(c.PMaxKPa, d.PMaxKPa),
		SigMin:  valF(c.SigMin, d.SigMin),
		SigMax:  valF(c.SigMax, d.SigMax),

		VentSettleS:      valF(c.VentSettleS, d.VentSettleS),
		SettleTimeS:      valF(c.SettleTimeS, d.SettleTimeS),
		SettleTimeMaxS:   valF(c.SettleTimeMaxS, d.SettleTimeMaxS),
		InbandUpS:        valF(c.InbandUpS, d.InbandUpS),
		InbandDownS:      valF(c.InbandDownS, d.InbandDownS),
		ValveCloseDelayS: valF(c.ValveCloseDelayS, d.ValveCloseDelayS),

		PMaxSafetyKPa: valF(c.PMaxSafetyKPa, d.PMaxSafetyKPa),
		PMinSafetyKPa: valF(c.PMinSafetyKPa, d.PMinSafetyKPa),

		NSamplesMeasure:  valI(c.NSamplesMeasure, d.NSamplesMeasure),
		SampleDtMeasureS: valF(c.SampleDtMeasureS, d.SampleDtMeasureS),

		TickPeriod: time.Duration(valI(c.LoopIntervalMs, d.LoopIntervalMs)) * time.Millisecond,
		DataDir:    valS(c.DataDir, d.DataDir),
	}

	if err := r.Validate(); err != nil {
		return Run{}, err
	}
	return r, nil
}

func (f *File) Run() (Run, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.c.BuildRun()
}

func (f *File) Update(u *RawFileConfig) error {
	f.mu.Lock()
	merged := *f.c
	merged.Merge(u)
	// Reject updates that would produce an invalid snapshot.
	if _, err := merged.BuildRun(); err != nil {
		f.mu.Unlock()
		return err
	}
	f.c = &merged
	f.mu.Unlock()

	return f.Save()
}

func (f *File) Raw() *RawFileConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c := *f.c
	return &c
}

func (f *File) Load() error {
	b, err := os.ReadFile(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// First run: start from an empty config (all defaults).
			f.mu.Lock()
			f.c = &RawFileConfig{}
			f.mu.Unlock()
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to read config %s", f.filepath)
	}

	c := &RawFileConfig{}
	if err := json.Unmarshal(b, c); err != nil {
		return pkgerrors.Wrapf(err, "failed to parse config %s", f.filepath)
	}

	f.mu.Lock()
	f.c = c
	f.mu.Unlock()
	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	b, err := json.MarshalIndent(f.c, "", "  ")
	f.mu.RUnlock()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to marshal config")
	}
	if err := os.WriteFile(f.filepath, b, 0644); err != nil {
		return pkgerrors.Wrapf(err, "failed to write config %s", f.filepath)
	}
	return nil
}
