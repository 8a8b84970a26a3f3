package commission

import "testing"

func TestCompute(t *testing.T) {
	cases := []struct {
		name    string
		rateBps int64
		minimum int64
		gross   int64
		want    int64
	}{
		{"one percent", 100, 1, 10000, 100},
		{"floor division", 100, 0, 199, 1},
		{"minimum kicks in", 100, 5, 100, 5},
		{"zero rate uses minimum", 0, 3, 10000, 3},
		{"zero rate zero minimum", 0, 0, 10000, 0},
		{"full rate", 10000, 0, 250, 250},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Calculator{RateBasisPoints: tc.rateBps, Minimum: tc.minimum}
			if got := c.Compute(tc.gross); got != tc.want {
				t.Fatalf("Compute(%d) = %d, want %d", tc.gross, got, tc.want)
			}
		})
	}
}

func TestNetNeverNegative(t *testing.T) {
	c := Calculator{RateBasisPoints: 100, Minimum: 10}
	net, fee := c.Net(5)
	if net != 0 || fee != 5 {
		t.Fatalf("Net(5) = (%d, %d), want (0, 5)", net, fee)
	}
}

func TestNetAccounting(t *testing.T) {
	c := Calculator{RateBasisPoints: 100, Minimum: 1}
	for _, gross := range []int64{1, 99, 100, 10000, 123456789} {
		net, fee := c.Net(gross)
		if net+fee != gross {
			t.Fatalf("net %d + fee %d != gross %d", net, fee, gross)
		}
		if net < 0 || fee < 0 {
			t.Fatalf("negative split for gross %d: net %d fee %d", gross, net, fee)
		}
	}
}
