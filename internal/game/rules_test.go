package game

import (
	"testing"
	"time"
)

func TestCrashCoeffAt_Monotonic(t *testing.T) {
	rules := DefaultCrashRules()

	prev := 0.0
	for e := time.Duration(0); e <= 30*time.Second; e += 100 * time.Millisecond {
		got := rules.CoeffAt(e)
		if got < prev {
			t.Fatalf("CoeffAt(%v) = %v, dropped below %v", e, got, prev)
		}
		prev = got
	}

	if rules.CoeffAt(0) != MinCoeff {
		t.Errorf("CoeffAt(0) = %v, want %v", rules.CoeffAt(0), MinCoeff)
	}
}

func TestCrashRunDuration_InvertsCurve(t *testing.T) {
	rules := DefaultCrashRules()

	tests := []float64{1.01, 1.50, 2.25, 5.00, 37.12, 500.00}
	for _, coeff := range tests {
		d := rules.RunDuration(Outcome{Coeff: coeff})
		got := rules.CoeffAt(d)

		// CoeffAt floors to two decimals, so the reproduced value may sit
		// one cent under the target but never above it.
		if got > coeff || coeff-got > 0.02 {
			t.Errorf("CoeffAt(RunDuration(%v)) = %v", coeff, got)
		}
	}

	if rules.RunDuration(Outcome{Coeff: MinCoeff}) != 0 {
		t.Errorf("RunDuration(1.00) = %v, want 0 (instant crash)", rules.RunDuration(Outcome{Coeff: MinCoeff}))
	}
}

func TestCrashValidateBet(t *testing.T) {
	rules := DefaultCrashRules()

	tests := []struct {
		name      string
		selection string
		amount    int64
		wantErr   error
	}{
		{name: "Panel one", selection: "1", amount: 500, wantErr: nil},
		{name: "Panel two", selection: "2", amount: 500, wantErr: nil},
		{name: "Unknown panel", selection: "3", amount: 500, wantErr: ErrInvalidSelection},
		{name: "Below minimum", selection: "1", amount: rules.MinBet - 1, wantErr: ErrBetTooSmall},
		{name: "Above maximum", selection: "1", amount: rules.MaxBet + 1, wantErr: ErrBetTooLarge},
		{name: "At minimum", selection: "1", amount: rules.MinBet, wantErr: nil},
		{name: "At maximum", selection: "1", amount: rules.MaxBet, wantErr: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rules.ValidateBet(tt.selection, tt.amount); got != tt.wantErr {
				t.Errorf("ValidateBet(%q, %d) = %v, want %v", tt.selection, tt.amount, got, tt.wantErr)
			}
		})
	}
}

func TestCrashPayoutCoeff(t *testing.T) {
	rules := DefaultCrashRules()
	out := Outcome{Coeff: 2.25}

	tests := []struct {
		name string
		auto float64
		want float64
	}{
		{name: "Target below crash wins at target", auto: 1.91, want: 1.91},
		{name: "Target at crash loses", auto: 2.25, want: 0},
		{name: "Target above crash loses", auto: 3.00, want: 0},
		{name: "No target loses", auto: 0, want: 0},
		{name: "Target below the floor is ignored", auto: 1.005, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Bet{Amount: 1000, AutoCashout: tt.auto}
			if got := rules.PayoutCoeff(out, b); got != tt.want {
				t.Errorf("PayoutCoeff(auto=%v) = %v, want %v", tt.auto, got, tt.want)
			}
		})
	}
}

// A ten unit stake cashed out at 1.91 pays 19.10.
func TestCrashPayout_Scenario(t *testing.T) {
	coeff := RoundCoeff(1.91)
	win := WinAmount(1000, coeff)
	if win != 1910 {
		t.Fatalf("WinAmount(1000, 1.91) = %d, want 1910", win)
	}
	if FormatAmount(win) != "19.10" {
		t.Fatalf("FormatAmount(%d) = %q, want %q", win, FormatAmount(win), "19.10")
	}
}

func TestWheelValidateBet(t *testing.T) {
	rules := DefaultWheelRules()

	tests := []struct {
		name      string
		selection string
		amount    int64
		wantErr   error
	}{
		{name: "Red", selection: "red", amount: 500, wantErr: nil},
		{name: "Black", selection: "black", amount: 500, wantErr: nil},
		{name: "Green", selection: "green", amount: 500, wantErr: nil},
		{name: "Sector number rejected", selection: "7", amount: 500, wantErr: ErrInvalidSelection},
		{name: "Below minimum", selection: "red", amount: rules.MinBet - 1, wantErr: ErrBetTooSmall},
		{name: "Above maximum", selection: "red", amount: rules.MaxBet + 1, wantErr: ErrBetTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rules.ValidateBet(tt.selection, tt.amount); got != tt.wantErr {
				t.Errorf("ValidateBet(%q, %d) = %v, want %v", tt.selection, tt.amount, got, tt.wantErr)
			}
		})
	}
}

func TestWheelPayoutCoeff(t *testing.T) {
	rules := DefaultWheelRules()

	tests := []struct {
		name      string
		out       Outcome
		selection string
		want      float64
	}{
		{name: "Red hit", out: Outcome{Sector: 1, Color: "red"}, selection: "red", want: 2.00},
		{name: "Black hit", out: Outcome{Sector: 2, Color: "black"}, selection: "black", want: 2.00},
		{name: "Green hit", out: Outcome{Sector: 0, Color: "green"}, selection: "green", want: 14.00},
		{name: "Red miss", out: Outcome{Sector: 2, Color: "black"}, selection: "red", want: 0},
		{name: "Green miss", out: Outcome{Sector: 1, Color: "red"}, selection: "green", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Bet{Selection: tt.selection, Amount: 1000}
			if got := rules.PayoutCoeff(tt.out, b); got != tt.want {
				t.Errorf("PayoutCoeff(%s on %s) = %v, want %v", tt.selection, tt.out.Color, got, tt.want)
			}
		})
	}
}

func TestWheelRunDuration_FixedSpin(t *testing.T) {
	rules := DefaultWheelRules()
	rules.Spin = 5 * time.Second

	for _, out := range []Outcome{{Sector: 0, Color: "green"}, {Sector: 14, Color: "black"}} {
		if got := rules.RunDuration(out); got != 5*time.Second {
			t.Errorf("RunDuration(%+v) = %v, want 5s", out, got)
		}
	}
}

func TestRulesCashoutSupport(t *testing.T) {
	if !DefaultCrashRules().SupportsCashout() {
		t.Error("crash must support cash-out")
	}
	if DefaultWheelRules().SupportsCashout() {
		t.Error("wheel must not support cash-out")
	}
}
