package game

import (
	"math"
	"strconv"
)

// Cents is a money amount in integer cents. All balance and payout math is
// done on this type; float conversion happens only at the JSON boundary.
type Cents int64

// Multiplier is a game multiplier in integer hundredths (150 = 1.50x).
// Crash points, tick values and auto-cashout targets all share this
// representation so comparisons never go through floating point.
type Multiplier int64

func CentsFromFloat(f float64) Cents {
	return Cents(math.Round(f * 100))
}

func MultiplierFromFloat(f float64) Multiplier {
	return Multiplier(math.Round(f * 100))
}

func (c Cents) Float64() float64 { return float64(c) / 100 }

func (m Multiplier) Float64() float64 { return float64(m) / 100 }

// Payout returns the winnings for a stake cashed out at m, floored to a
// whole cent.
func (c Cents) Payout(m Multiplier) Cents {
	return Cents(int64(c) * int64(m) / 100)
}

func (c Cents) MarshalJSON() ([]byte, error) {
	return strconv.AppendFloat(nil, c.Float64(), 'f', 2, 64), nil
}

func (c *Cents) UnmarshalJSON(b []byte) error {
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*c = CentsFromFloat(f)
	return nil
}

func (m Multiplier) MarshalJSON() ([]byte, error) {
	return strconv.AppendFloat(nil, m.Float64(), 'f', 2, 64), nil
}

func (m *Multiplier) UnmarshalJSON(b []byte) error {
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*m = MultiplierFromFloat(f)
	return nil
}
