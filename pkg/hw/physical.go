package hw

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// PhysicalConfig describes the rig wiring on the Raspberry Pi.
type PhysicalConfig struct {
	I2CBus  string // e.g. "/dev/i2c-1", "" picks the first bus
	ADSAddr uint16
	ADSPGAV float64 // full-scale range in volts
	ADSSPS  int
	// ConvDelay is the wait between triggering a single-shot conversion and
	// reading it back.
	ConvDelay time.Duration

	PumpPWMPin    string
	PumpPWMFreqHz int
	// PumpActiveLow inverts the PWM: hardware duty = 1 - u.
	PumpActiveLow bool
	RelayPin      string
	ValvePin      string
	// ValveActiveHigh: energized (high) = open. The valve is normally
	// closed.
	ValveActiveHigh bool
}

// DefaultPhysicalConfig matches the bench rig wiring.
func DefaultPhysicalConfig() PhysicalConfig {
	return PhysicalConfig{
		I2CBus:          "",
		ADSAddr:         0x48,
		ADSPGAV:         4.096,
		ADSSPS:          128,
		ConvDelay:       10 * time.Millisecond,
		PumpPWMPin:      "GPIO12",
		PumpPWMFreqHz:   200,
		PumpActiveLow:   true,
		RelayPin:        "GPIO17",
		ValvePin:        "GPIO27",
		ValveActiveHigh: true,
	}
}

// Physical drives the real rig: an ADS1115 on I2C plus GPIO pump PWM, pump
// relay and vent valve.
type Physical struct {
	cfg PhysicalConfig

	mu    sync.Mutex
	bus   i2c.BusCloser
	adc   *i2c.Dev
	pump  gpio.PinIO
	relay gpio.PinIO
	valve gpio.PinIO
}

// NewPhysical initializes the host, opens the I2C bus and claims the GPIO
// pins, leaving the actuators in the safe state (pump off, relay off, valve
// open).
func NewPhysical(cfg PhysicalConfig) (*Physical, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "host init")
	}

	bus, err := i2creg.Open(cfg.I2CBus)
	if err != nil {
		return nil, errors.Wrapf(err, "open i2c bus %q", cfg.I2CBus)
	}

	p := &Physical{
		cfg: cfg,
		bus: bus,
		adc: &i2c.Dev{Bus: bus, Addr: cfg.ADSAddr},
	}

	for _, pin := range []struct {
		name string
		dst  *gpio.PinIO
	}{
		{cfg.PumpPWMPin, &p.pump},
		{cfg.RelayPin, &p.relay},
		{cfg.ValvePin, &p.valve},
	} {
		io := gpioreg.ByName(pin.name)
		if io == nil {
			_ = bus.Close()
			return nil, errors.Errorf("gpio pin %q not found", pin.name)
		}
		*pin.dst = io
	}

	if err := p.SetPumpDuty(0); err != nil {
		_ = bus.Close()
		return nil, err
	}
	if err := p.SetRelay(false); err != nil {
		_ = bus.Close()
		return nil, err
	}
	if err := p.SetValve(true); err != nil {
		_ = bus.Close()
		return nil, err
	}

	return p, nil
}

// adsConfigWord builds the ADS1115 config register for a single-shot
// single-ended conversion on the given channel.
func adsConfigWord(ch int, pgaV float64, sps int) uint16 {
	osb := uint16(1) << 15

	mux := map[int]uint16{0: 0b100, 1: 0b101, 2: 0b110, 3: 0b111}
	m, ok := mux[ch]
	if !ok {
		m = 0b110
	}

	pgaMap := map[float64]uint16{6.144: 0b000, 4.096: 0b001, 2.048: 0b010, 1.024: 0b011, 0.512: 0b100, 0.256: 0b101}
	pga, ok := pgaMap[pgaV]
	if !ok {
		pga = 0b001
	}

	mode := uint16(1) << 8 // single-shot

	drMap := map[int]uint16{8: 0b000, 16: 0b001, 32: 0b010, 64: 0b011, 128: 0b100, 250: 0b101, 475: 0b110, 860: 0b111}
	dr, ok := drMap[sps]
	if !ok {
		dr = 0b100
	}

	return osb | m<<12 | pga<<9 | mode | dr<<5 | 0b11
}

func (p *Physical) ReadChannel(ch int) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg := adsConfigWord(ch, p.cfg.ADSPGAV, p.cfg.ADSSPS)
	w := []byte{0x01, byte(cfg >> 8), byte(cfg & 0xFF)}
	if err := p.adc.Tx(w, nil); err != nil {
		return 0, errors.Wrapf(err, "ads1115 start conversion ch %d", ch)
	}

	time.Sleep(p.cfg.ConvDelay)

	var r [2]byte
	if err := p.adc.Tx([]byte{0x00}, r[:]); err != nil {
		return 0, errors.Wrapf(err, "ads1115 read conversion ch %d", ch)
	}

	raw := int32(r[0])<<8 | int32(r[1])
	if raw&0x8000 != 0 {
		raw -= 1 << 16
	}
	return float64(raw) / 32768.0 * p.cfg.ADSPGAV, nil
}

func (p *Physical) SetPumpDuty(u float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	u = clamp(u, 0, 1)
	hwDuty := u
	if p.cfg.PumpActiveLow {
		hwDuty = 1 - u
	}
	duty := gpio.Duty(hwDuty * float64(gpio.DutyMax))
	freq := physic.Frequency(p.cfg.PumpPWMFreqHz) * physic.Hertz
	if err := p.pump.PWM(duty, freq); err != nil {
		return errors.Wrap(err, "pump pwm")
	}
	return nil
}

func (p *Physical) SetRelay(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.relay.Out(gpio.Level(on)); err != nil {
		return errors.Wrap(err, "relay out")
	}
	return nil
}

func (p *Physical) SetValve(open bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	level := gpio.Level(open)
	if !p.cfg.ValveActiveHigh {
		level = !level
	}
	if err := p.valve.Out(level); err != nil {
		return errors.Wrap(err, "valve out")
	}
	return nil
}

// Close forces the safe actuator state and releases the bus.
func (p *Physical) Close() error {
	_ = p.SetPumpDuty(0)
	_ = p.SetRelay(false)
	_ = p.SetValve(true)

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bus.Close()
}
