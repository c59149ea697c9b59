package labeler

// fuzzyCandidate 一次近似子串匹配的结果，位置以文本的rune偏移计
type fuzzyCandidate struct {
	cost  int
	start int
	end   int
}

// approxSubstringMatch 在text中寻找与query编辑距离最小的子串
// 采用Sellers动态规划：首行代价恒为0，允许匹配从文本任意位置开始；
// 插入、删除、替换的代价均为1。返回代价最小的匹配，代价相同时取
// 结束位置最靠前的。最优代价超过budget即判定无匹配。
func approxSubstringMatch(query []rune, text []rune, budget int) (fuzzyCandidate, bool) {
	m, n := len(query), len(text)
	if m == 0 || n == 0 {
		return fuzzyCandidate{}, false
	}

	// 每个单元格带着其匹配起点一路传播下来
	prevCost := make([]int, n+1)
	prevStart := make([]int, n+1)
	curCost := make([]int, n+1)
	curStart := make([]int, n+1)
	for j := 0; j <= n; j++ {
		prevCost[j] = 0
		prevStart[j] = j
	}

	for i := 1; i <= m; i++ {
		curCost[0] = i
		curStart[0] = 0
		rowMin := curCost[0]
		for j := 1; j <= n; j++ {
			substitution := 1
			if query[i-1] == text[j-1] {
				substitution = 0
			}

			cost := prevCost[j-1] + substitution
			start := prevStart[j-1]
			if up := prevCost[j] + 1; up < cost {
				cost = up
				start = prevStart[j]
			}
			if left := curCost[j-1] + 1; left < cost {
				cost = left
				start = curStart[j-1]
			}
			curCost[j] = cost
			curStart[j] = start
			if cost < rowMin {
				rowMin = cost
			}
		}
		// 这一行已经全部超预算，后面只会更差
		if rowMin > budget {
			return fuzzyCandidate{}, false
		}
		prevCost, curCost = curCost, prevCost
		prevStart, curStart = curStart, prevStart
	}

	best := fuzzyCandidate{cost: prevCost[1], start: prevStart[1], end: 1}
	for j := 2; j <= n; j++ {
		if prevCost[j] < best.cost {
			best = fuzzyCandidate{cost: prevCost[j], start: prevStart[j], end: j}
		}
	}
	if best.cost > budget {
		return fuzzyCandidate{}, false
	}
	return best, true
}
