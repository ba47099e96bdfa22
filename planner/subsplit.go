package planner

// SplitResult is one contiguous sub-range of device blocks produced by
// SubSplit, together with the outcome of probing it.
type SplitResult struct {
	Lo, Hi    int64
	Data      []byte
	BadSector bool
}

// Prober attempts a physical read of the half-open device-block range
// [lo, hi). ok is false only on a medium error covering some part of the
// range; any other failure is returned as err and aborts the whole split.
type Prober func(lo, hi int64) (data []byte, ok bool, err error)

// subSplitLinearThreshold is the range size at or below which SubSplit
// probes block by block instead of halving further. The two strategies
// produce an identical partition; this one just avoids recursion overhead
// once the range is already small.
const subSplitLinearThreshold = 4

// SubSplit isolates the bad blocks inside [lo, hi) by recursive halving:
// probe gets to attempt the whole range first, and only on failure is the
// range split in half and each half attempted independently, recursing
// until a singleton range is reached and marked BadSector outright.
// A range of subSplitLinearThreshold blocks or fewer (but more than one)
// is not probed whole: each of its blocks is probed on its own.
func SubSplit(lo, hi int64, probe Prober) ([]SplitResult, error) {
	n := hi - lo
	if n <= 0 {
		return nil, nil
	}

	if n == 1 {
		data, ok, err := probe(lo, hi)
		if err != nil {
			return nil, err
		}
		if ok {
			return []SplitResult{{Lo: lo, Hi: hi, Data: data}}, nil
		}
		return []SplitResult{{Lo: lo, Hi: hi, BadSector: true}}, nil
	}

	if n <= subSplitLinearThreshold {
		var out []SplitResult
		for b := lo; b < hi; b++ {
			sub, err := SubSplit(b, b+1, probe)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
		return coalesceResults(out), nil
	}

	data, ok, err := probe(lo, hi)
	if err != nil {
		return nil, err
	}
	if ok {
		return []SplitResult{{Lo: lo, Hi: hi, Data: data}}, nil
	}

	mid := lo + n/2
	left, err := SubSplit(lo, mid, probe)
	if err != nil {
		return nil, err
	}
	right, err := SubSplit(mid, hi, probe)
	if err != nil {
		return nil, err
	}
	return coalesceResults(append(left, right...)), nil
}

// coalesceResults merges adjacent results sharing the same BadSector
// verdict, concatenating Data for merged good ranges.
func coalesceResults(in []SplitResult) []SplitResult {
	if len(in) == 0 {
		return in
	}
	out := make([]SplitResult, 0, len(in))
	for _, r := range in {
		if n := len(out); n > 0 && out[n-1].Hi == r.Lo && out[n-1].BadSector == r.BadSector {
			out[n-1].Hi = r.Hi
			if !r.BadSector {
				out[n-1].Data = append(out[n-1].Data, r.Data...)
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
