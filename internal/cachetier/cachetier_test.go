package cachetier

import (
	"testing"
	"time"
)

func TestClassifyScale(t *testing.T) {
	cases := []struct {
		name                            string
		totalUsers, logs24h, totalLogs int64
		want                            Scale
	}{
		{"empty system", 0, 0, 0, ScaleTiny},
		{"modest user count", 150, 0, 0, ScaleSmall},
		{"moderate daily volume", 0, 1_500, 0, ScaleSmall},
		{"large daily volume", 0, 25_000, 0, ScaleMedium},
		{"large total volume", 0, 0, 600_000, ScaleMedium},
		{"huge daily volume", 0, 250_000, 0, ScaleLarge},
		{"huge total volume", 0, 0, 6_000_000, ScaleLarge},
		{"massive daily volume", 0, 2_500_000, 0, ScaleXLarge},
		{"massive total volume", 0, 0, 60_000_000, ScaleXLarge},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ClassifyScale(c.totalUsers, c.logs24h, c.totalLogs)
			if got != c.want {
				t.Errorf("ClassifyScale(%d,%d,%d) = %s, want %s", c.totalUsers, c.logs24h, c.totalLogs, got, c.want)
			}
		})
	}
}

func TestGenericTTLScalesWithSystemSize(t *testing.T) {
	small := GenericTTL("24h", ScaleSmall)
	medium := GenericTTL("24h", ScaleMedium)
	large := GenericTTL("24h", ScaleLarge)
	xlarge := GenericTTL("24h", ScaleXLarge)

	if !(small < medium && medium < large && large < xlarge) {
		t.Errorf("期望 TTL 随规模递增: small=%v medium=%v large=%v xlarge=%v", small, medium, large, xlarge)
	}
}

func TestGenericTTLUnknownWindowFallsBackToOneMinute(t *testing.T) {
	if got := GenericTTL("99d", ScaleMedium); got != time.Minute {
		t.Errorf("未知窗口期望回退到 1 分钟, 实际 %v", got)
	}
}

func TestGenericTTLTinyAndSmallShareBand(t *testing.T) {
	if GenericTTL("7d", ScaleTiny) != GenericTTL("7d", ScaleSmall) {
		t.Errorf("tiny 和 small 应共用同一档 TTL")
	}
}
