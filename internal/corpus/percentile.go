package corpus

import (
	"fmt"
	"math"
	"sort"
)

// PercentileFunction 将取值映射到其在参照分布中的分位 [0,1]
//
// 查询值v返回v的含端点累计分位与不含端点累计分位的平均值。
// 设想一个文档只有2个5.0号的token和200个8.0号的token：我们希望
// 8.0（正文的"正常"字号）落在0.5附近而不是1.0，取含/不含两种
// 累计分位的均值正是这个效果。
type PercentileFunction struct {
	cumValues []float32 // 升序取值，下标0处为-Inf哨兵
	cumFracs  []float32 // 对应的累计频率，下标0处为0
}

// NewPercentileFunction 根据升序取值和对应计数构建分位函数
func NewPercentileFunction(values []float32, counts []float32) (*PercentileFunction, error) {
	if len(values) == 0 || len(values) != len(counts) {
		return nil, fmt.Errorf("percentile function needs matching non-empty values and counts")
	}
	for i := 1; i < len(values); i++ {
		if values[i] < values[i-1] {
			return nil, fmt.Errorf("percentile function values must be sorted")
		}
	}

	total := float64(0)
	for _, c := range counts {
		total += float64(c)
	}
	if total <= 0 {
		return nil, fmt.Errorf("percentile function needs a positive total count")
	}

	p := &PercentileFunction{
		cumValues: make([]float32, len(values)+1),
		cumFracs:  make([]float32, len(values)+1),
	}
	p.cumValues[0] = float32(math.Inf(-1))
	p.cumFracs[0] = 0
	cum := float64(0)
	for i := range values {
		cum += float64(counts[i])
		p.cumValues[i+1] = values[i]
		p.cumFracs[i+1] = float32(cum / total)
	}
	return p, nil
}

// PercentileFromValues 从一组原始观测值构建分位函数
// 观测值无需有序，相同取值会被合并计数
func PercentileFromValues(observations []float32) (*PercentileFunction, error) {
	if len(observations) == 0 {
		return nil, fmt.Errorf("percentile function needs at least one observation")
	}
	sorted := make([]float32, len(observations))
	copy(sorted, observations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var values, counts []float32
	for _, v := range sorted {
		if len(values) > 0 && values[len(values)-1] == v {
			counts[len(counts)-1]++
			continue
		}
		values = append(values, v)
		counts = append(counts, 1)
	}
	return NewPercentileFunction(values, counts)
}

// At 返回单个取值的分位
func (p *PercentileFunction) At(v float32) float32 {
	// searchsorted：第一个不小于v的位置，夹到[1, len-1]
	idx := sort.Search(len(p.cumValues), func(i int) bool { return p.cumValues[i] >= v })
	if idx < 1 {
		idx = 1
	}
	if idx > len(p.cumValues)-1 {
		idx = len(p.cumValues) - 1
	}
	return (p.cumFracs[idx] + p.cumFracs[idx-1]) / 2
}

// AtAll 向量化的分位查询
func (p *PercentileFunction) AtAll(vs []float32) []float32 {
	out := make([]float32, len(vs))
	for i, v := range vs {
		out[i] = p.At(v)
	}
	return out
}
