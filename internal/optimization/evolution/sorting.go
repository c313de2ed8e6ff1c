package evolution

import (
	"math"
	"sort"

	"github.com/copyleftdev/hydrocal/internal/optimization"
)

// nondominatedFronts partitions solutions into Pareto fronts, best first.
// Each front holds indices into solutions.
func nondominatedFronts(solutions []optimization.Solution) [][]int {
	n := len(solutions)
	dominatedBy := make([]int, n)
	dominates := make([][]int, n)

	var fronts [][]int
	var current []int
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			switch {
			case solutions[i].Objectives.Dominates(solutions[j].Objectives):
				dominates[i] = append(dominates[i], j)
			case solutions[j].Objectives.Dominates(solutions[i].Objectives):
				dominatedBy[i]++
			}
		}
		if dominatedBy[i] == 0 {
			current = append(current, i)
		}
	}

	for len(current) > 0 {
		fronts = append(fronts, current)
		var next []int
		for _, i := range current {
			for _, j := range dominates[i] {
				dominatedBy[j]--
				if dominatedBy[j] == 0 {
					next = append(next, j)
				}
			}
		}
		sort.Ints(next)
		current = next
	}
	return fronts
}

// crowdingDistance returns the crowding distance of each member of front,
// in the same order. Boundary points get +Inf.
func crowdingDistance(solutions []optimization.Solution, front []int) []float64 {
	dist := make([]float64, len(front))
	if len(front) <= 2 {
		for i := range dist {
			dist[i] = math.Inf(1)
		}
		return dist
	}

	order := make([]int, len(front))
	for m := 0; m < optimization.NumObjectives; m++ {
		for i := range order {
			order[i] = i
		}
		obj := func(k int) float64 { return solutions[front[order[k]]].Objectives[m] }
		sort.SliceStable(order, func(a, b int) bool {
			return solutions[front[order[a]]].Objectives[m] < solutions[front[order[b]]].Objectives[m]
		})

		lo, hi := obj(0), obj(len(order)-1)
		dist[order[0]] = math.Inf(1)
		dist[order[len(order)-1]] = math.Inf(1)
		if hi == lo {
			continue
		}
		for k := 1; k < len(order)-1; k++ {
			dist[order[k]] += (obj(k+1) - obj(k-1)) / (hi - lo)
		}
	}
	return dist
}

// rankedMember carries the selection keys of one population member.
type rankedMember struct {
	rank     int
	crowding float64
}

// better reports whether a wins a crowded-comparison tournament against b.
func (a rankedMember) better(b rankedMember) bool {
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	return a.crowding > b.crowding
}

// selectSurvivors keeps the best n solutions by front rank, then crowding
// distance within the last admitted front.
func selectSurvivors(solutions []optimization.Solution, n int) []optimization.Solution {
	out := make([]optimization.Solution, 0, n)
	for _, front := range nondominatedFronts(solutions) {
		if len(out)+len(front) <= n {
			for _, i := range front {
				out = append(out, solutions[i])
			}
			continue
		}

		dist := crowdingDistance(solutions, front)
		order := make([]int, len(front))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool { return dist[order[a]] > dist[order[b]] })
		for _, k := range order[:n-len(out)] {
			out = append(out, solutions[front[k]])
		}
		break
	}
	return out
}

// rankPopulation computes tournament keys for every member.
func rankPopulation(solutions []optimization.Solution) []rankedMember {
	keys := make([]rankedMember, len(solutions))
	for r, front := range nondominatedFronts(solutions) {
		dist := crowdingDistance(solutions, front)
		for k, i := range front {
			keys[i] = rankedMember{rank: r, crowding: dist[k]}
		}
	}
	return keys
}
