// Package memsys implements a segregated-fit, disjoint memory pool: a
// bucket table of fixed-size slabs sliced into chunks, sitting in front of
// a coarse-grain memory Provider. It amortizes the cost of the provider's
// alloc/free calls by retaining a bounded number of recently-freed slabs
// for reuse and by serving many small allocations out of one coarse-grain
// slice of provider memory.
package memsys
