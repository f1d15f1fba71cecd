// Package ml scores honeypot events with an ensemble of exported tree
// models: a supervised attack classifier and an isolation forest trained on
// network-flow features, plus a traffic-type classifier that flags Tor/VPN
// style evasion.
package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Artifact file names inside the models directory. The training pipeline
// exports each fitted estimator as JSON.
const (
	rfInfoFile    = "best_model_info.json"
	rfColumnsFile = "feature_columns.json"
	rfModelFile   = "randomforest_model.json"
	rfScalerFile  = "standard_scaler.json"

	ifInfoFile   = "isolationforest_model_info.json"
	ifModelFile  = "isolationforest_model.json"
	ifScalerFile = "isolationforest_scaler.json"

	darknetInfoFile    = "darknet_model_info.json"
	darknetModelFile   = "darknet_model.json"
	darknetEncoderFile = "darknet_label_encoder.json"
)

// modelInfo is the training metadata exported next to each model.
type modelInfo struct {
	Accuracy       float64  `json:"accuracy"`
	FeatureColumns []string `json:"feature_columns"`
	Threshold      *float64 `json:"threshold"`
	ClassLabels    []string `json:"class_labels"`
}

// flowClassifier is the supervised attack classifier with its
// preprocessing chain.
type flowClassifier struct {
	forest   *randomForest
	scaler   *standardScaler
	encoders encoderSet
	columns  []string
	info     modelInfo
}

// flowAnomalyDetector is the isolation forest with its preprocessing chain.
type flowAnomalyDetector struct {
	forest   *isolationForest
	scaler   *standardScaler
	encoders encoderSet
	columns  []string
	info     modelInfo
}

// trafficClassifier is the Tor/VPN traffic-type classifier.
type trafficClassifier struct {
	forest *randomForest
	labels []string
	info   modelInfo
}

// defaultTrafficLabels is the class order used when neither the label
// encoder nor the metadata carries one.
var defaultTrafficLabels = []string{"Non-Tor", "NonVPN", "Tor", "VPN"}

// Bundle holds whichever models could be loaded. Any subset may be nil; the
// ensemble degrades accordingly.
type Bundle struct {
	rf      *flowClassifier
	iso     *flowAnomalyDetector
	darknet *trafficClassifier
}

// Empty reports whether no model at all could be loaded.
func (b *Bundle) Empty() bool {
	return b == nil || (b.rf == nil && b.iso == nil && b.darknet == nil)
}

// LoadBundle loads whatever model artifacts exist under dir. Each model is
// independent: a missing or unreadable artifact disables that model only.
func LoadBundle(dir string, logger *zap.SugaredLogger) *Bundle {
	b := &Bundle{}

	if rf, err := loadFlowClassifier(dir); err != nil {
		logger.Warnf("Attack classifier unavailable: %v", err)
	} else {
		b.rf = rf
		logger.Infof("Attack classifier loaded (accuracy %.4f, %d features)", rf.info.Accuracy, len(rf.columns))
	}

	if iso, err := loadFlowAnomalyDetector(dir); err != nil {
		logger.Warnf("Anomaly detector unavailable: %v", err)
	} else {
		b.iso = iso
		logger.Infof("Anomaly detector loaded (accuracy %.4f, %d features)", iso.info.Accuracy, len(iso.columns))
	}

	if dk, err := loadTrafficClassifier(dir); err != nil {
		logger.Warnf("Traffic-type classifier unavailable: %v", err)
	} else {
		b.darknet = dk
		logger.Infof("Traffic-type classifier loaded (accuracy %.4f)", dk.info.Accuracy)
	}

	if b.Empty() {
		logger.Warn("No ML models could be loaded, scoring falls back to keyword heuristics")
	}
	return b
}

func loadFlowClassifier(dir string) (*flowClassifier, error) {
	m := &flowClassifier{}
	if err := readJSON(filepath.Join(dir, rfInfoFile), &m.info); err != nil {
		return nil, err
	}

	// Column list lives in its own file, with the metadata as fallback.
	if err := readJSON(filepath.Join(dir, rfColumnsFile), &m.columns); err != nil {
		m.columns = m.info.FeatureColumns
	}
	if len(m.columns) == 0 {
		return nil, fmt.Errorf("no feature columns for attack classifier")
	}

	m.forest = &randomForest{}
	if err := readJSON(filepath.Join(dir, rfModelFile), m.forest); err != nil {
		return nil, err
	}

	m.scaler = &standardScaler{}
	if err := readJSON(filepath.Join(dir, rfScalerFile), m.scaler); err != nil {
		m.scaler = nil
	}
	m.encoders = loadEncoders(dir, "")
	return m, nil
}

func loadFlowAnomalyDetector(dir string) (*flowAnomalyDetector, error) {
	m := &flowAnomalyDetector{}
	if err := readJSON(filepath.Join(dir, ifInfoFile), &m.info); err != nil {
		return nil, err
	}
	m.columns = m.info.FeatureColumns
	if len(m.columns) == 0 {
		return nil, fmt.Errorf("no feature columns for anomaly detector")
	}

	m.forest = &isolationForest{}
	if err := readJSON(filepath.Join(dir, ifModelFile), m.forest); err != nil {
		return nil, err
	}
	if m.forest.Offset == 0 {
		// The standard contamination="auto" offset.
		m.forest.Offset = -0.5
	}

	m.scaler = &standardScaler{}
	if err := readJSON(filepath.Join(dir, ifScalerFile), m.scaler); err != nil {
		m.scaler = nil
	}
	m.encoders = loadEncoders(dir, "isolationforest_")
	return m, nil
}

func loadTrafficClassifier(dir string) (*trafficClassifier, error) {
	m := &trafficClassifier{}
	if err := readJSON(filepath.Join(dir, darknetInfoFile), &m.info); err != nil {
		return nil, err
	}

	m.forest = &randomForest{}
	if err := readJSON(filepath.Join(dir, darknetModelFile), m.forest); err != nil {
		return nil, err
	}

	var enc labelEncoder
	if err := readJSON(filepath.Join(dir, darknetEncoderFile), &enc); err == nil && len(enc.Classes) > 0 {
		m.labels = enc.Classes
	} else if len(m.info.ClassLabels) > 0 {
		m.labels = m.info.ClassLabels
	} else {
		m.labels = defaultTrafficLabels
	}
	return m, nil
}

// loadEncoders loads the categorical encoders for one flow model. Missing
// encoders leave the static fallback mappings in charge.
func loadEncoders(dir, prefix string) encoderSet {
	var set encoderSet
	load := func(name string) *labelEncoder {
		var enc labelEncoder
		path := filepath.Join(dir, fmt.Sprintf("%s%s_encoder.json", prefix, name))
		if err := readJSON(path, &enc); err != nil || len(enc.Classes) == 0 {
			return nil
		}
		return &enc
	}
	set.Proto = load("proto")
	set.Service = load("service")
	set.State = load("state")
	return set
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
