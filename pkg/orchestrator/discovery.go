package orchestrator

// JunctionPoint 已发现的分支点：字段及其声明顺序下的可选值
type JunctionPoint struct {
	Field    string   `json:"field"`
	Selector string   `json:"selector"`
	Values   []string `json:"values"`
}

// PathExplorer 单个会话的分支路径探索器。
// 探索是有界 BFS：每条新路径相对已有路径只在一个分支点上偏移。
// 顺序是确定的：先按分支点发现顺序，再按取值声明顺序；
// 相同的决策序列永远不会物化两条路径。
//
// 状态可以从持久化数据重建：分支点来自 junction_found 事件（created_at 序），
// 已探索序列来自已落库的 path_results（path_number 序）。
type PathExplorer struct {
	points   []JunctionPoint
	pointIdx map[string]int
	// prefix[field] 重放到该分支点所需的决策前缀，取首次出现该分支点的路径
	prefix   map[string][]JunctionDecision
	tried    map[string]map[string]bool
	explored map[string]bool
}

// NewPathExplorer 创建探索器
func NewPathExplorer() *PathExplorer {
	return &PathExplorer{
		pointIdx: make(map[string]int),
		prefix:   make(map[string][]JunctionDecision),
		tried:    make(map[string]map[string]bool),
		explored: make(map[string]bool),
	}
}

// RecordJunction 登记一个分支点。重复登记合并新取值，保持既有声明顺序。
// 返回是否首次发现。
func (pe *PathExplorer) RecordJunction(field, selector string, values []string) bool {
	if field == "" {
		return false
	}
	idx, known := pe.pointIdx[field]
	if !known {
		pe.pointIdx[field] = len(pe.points)
		pe.points = append(pe.points, JunctionPoint{
			Field:    field,
			Selector: selector,
			Values:   append([]string{}, values...),
		})
		if _, ok := pe.tried[field]; !ok {
			pe.tried[field] = make(map[string]bool)
		}
		return true
	}

	point := &pe.points[idx]
	if point.Selector == "" {
		point.Selector = selector
	}
	for _, value := range values {
		if !containsString(point.Values, value) {
			point.Values = append(point.Values, value)
		}
	}
	return false
}

// RecordPath 登记一条已物化路径的决策序列：
// 标记每个 (field, value) 已尝试，登记完整序列签名，
// 并为首次出现的分支点记录重放前缀。
func (pe *PathExplorer) RecordPath(decisions []JunctionDecision) {
	for i, decision := range decisions {
		if _, ok := pe.tried[decision.Field]; !ok {
			pe.tried[decision.Field] = make(map[string]bool)
		}
		pe.tried[decision.Field][decision.Value] = true

		if _, ok := pe.prefix[decision.Field]; !ok {
			pe.prefix[decision.Field] = append([]JunctionDecision{}, decisions[:i]...)
		}
	}
	pe.explored[SignatureOf(decisions)] = true
}

// NextCombination 选出下一条未尝试的分支组合。
// 选中即消费：同一组合不会被再次给出。无可选组合时返回 (nil, false)。
func (pe *PathExplorer) NextCombination() ([]JunctionDecision, bool) {
	for _, point := range pe.points {
		tried := pe.tried[point.Field]
		for _, value := range point.Values {
			if tried[value] {
				continue
			}

			candidate := append([]JunctionDecision{}, pe.prefix[point.Field]...)
			candidate = append(candidate, JunctionDecision{
				Field:    point.Field,
				Value:    value,
				Selector: point.Selector,
			})

			sig := SignatureOf(candidate)
			if pe.explored[sig] {
				// 等价序列已物化过，按去重规则消费掉该取值
				tried[value] = true
				continue
			}

			tried[value] = true
			pe.explored[sig] = true
			return candidate, true
		}
	}
	return nil, false
}

// HasUnexplored 是否还有未尝试的 (field, value) 组合
func (pe *PathExplorer) HasUnexplored() bool {
	for _, point := range pe.points {
		tried := pe.tried[point.Field]
		for _, value := range point.Values {
			if !tried[value] {
				return true
			}
		}
	}
	return false
}

// Junctions 返回发现顺序下的分支点列表
func (pe *PathExplorer) Junctions() []JunctionPoint {
	return pe.points
}
