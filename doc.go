// Package dlag fits Delayed Latents Across Groups (DLAG) models: probabilistic
// latent-variable models for simultaneously recorded multi-population time
// series, such as neural activity from several brain areas.
//
// Each observation vector is explained by latent time series shared across
// groups (subject to per-group time delays) and latent time series private to
// each group, all with squared-exponential Gaussian-process priors over time.
// Fitting is exact EM: the E-step computes the posterior over latent
// trajectories and the marginal data log-likelihood per trial, the M-step mixes
// closed-form least-squares updates for the loading, offset and noise
// parameters with gradient-based optimization of the GP timescales and delays.
//
// The package is an in-process numerical library: callers hand it Trials, a
// GroupLayout and a Config, and get back ModelParameters, a FitHistory,
// per-trial Posteriors and (optionally) evaluation metrics. Cross-validation
// and bootstrap drivers are expected to live outside and invoke Fit once per
// fold or resample; ParallelFor is exported for that purpose.
package dlag
