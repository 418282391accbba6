// Package worker holds the default stage workers: a listing-page discoverer,
// an HTML metadata extractor that stages media assets, a text analyzer, a
// Pub/Sub review requester and a blob-store archiver.
package worker
