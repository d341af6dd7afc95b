// Package scd reads and writes SCD document containers.
//
// An SCD file is a line-oriented stream of documents. Every document starts
// with a <DOCID> line; each following line is one property:
//
//	<DOCID>00000000000000000000000000000042
//	<uuid>00000000000000000000000000000007
//	<Title>usb cable
//	<Price>12
//	<Source>SA
//
// File names encode a segment number, a timestamp and the operation type:
//
//	B-NN-YYYYMMDDHHMM-SSmmm-T-C.SCD
//
// where NN orders segments within a directory (00..99) and T is I, U or D.
// Readers stream documents one at a time so an instance never has to be held
// in memory.
package scd
